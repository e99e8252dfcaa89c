package surface

import (
	"context"
	"errors"

	"github.com/jsndz/ackbus/pkg/types"
)

// ErrInvalidThreadRef is returned when a thread reference was not produced by
// the surface it is handed to.
var ErrInvalidThreadRef = errors.New("invalid thread reference")

// Message is what the lifecycle engine asks a surface to deliver.
type Message struct {
	Env            types.Env
	NotificationID string
	Template       types.Template
	MainText       string
	SubText        string
	Recipient      string
	Severity       types.Severity
}

// Surface delivers notifications to the place a human will see them.
type Surface interface {
	// Name identifies the provider in metrics and the audit ledger.
	Name() string
	// Send posts a new message and returns an opaque handle for its thread.
	Send(ctx context.Context, msg Message) (threadRef string, err error)
	// Reply posts text into the thread identified by threadRef.
	Reply(ctx context.Context, threadRef, text string) error
}

// Resolver is implemented by surfaces that can mark the original message as
// handled once a notification is resolved.
type Resolver interface {
	MarkResolved(ctx context.Context, threadRef, actor string) error
}

// Color maps a severity to the attachment color shown next to the message.
func Color(sev types.Severity) string {
	switch sev {
	case types.SeveritySuccess:
		return "#2ECC71"
	case types.SeverityError:
		return "#E74C3C"
	case types.SeverityInfo:
		return "#3498DB"
	default:
		return "#CCCCCC"
	}
}
