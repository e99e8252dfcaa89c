package lifecycle

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/jsndz/ackbus/pkg/utils"
)

// IDGenerator hands out notification ids of the form <unix-ms>-<node>-<seq>.
// The node tag is random per process and seq never repeats within one, so
// ids stay unique across concurrent producers.
type IDGenerator struct {
	node  string
	seq   atomic.Uint64
	clock utils.Clock
}

func NewIDGenerator(clock utils.Clock) *IDGenerator {
	node := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return &IDGenerator{node: node, clock: clock}
}

func (g *IDGenerator) Next() string {
	return fmt.Sprintf("%d-%s-%d", g.clock.Now().UnixMilli(), g.node, g.seq.Add(1))
}
