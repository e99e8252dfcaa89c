package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap/zaptest"

	"github.com/jsndz/ackbus/pkg/bootstrap"
	"github.com/jsndz/ackbus/pkg/config"
	"github.com/jsndz/ackbus/pkg/deadletter"
	"github.com/jsndz/ackbus/pkg/models"
	"github.com/jsndz/ackbus/pkg/store"
	"github.com/jsndz/ackbus/pkg/surface"
	"github.com/jsndz/ackbus/pkg/types"
	"github.com/jsndz/ackbus/pkg/utils"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeSurface struct {
	mu       sync.Mutex
	n        int
	sent     []surface.Message
	replies  map[string][]string
	resolved map[string]string

	sendErr  error
	replyErr error
	// onReply runs before a reply is recorded.
	onReply func(threadRef string)
	// afterSend runs once a message has been sent.
	afterSend func()
}

func newFakeSurface() *fakeSurface {
	return &fakeSurface{replies: map[string][]string{}, resolved: map[string]string{}}
}

func (f *fakeSurface) Name() string { return "fake" }

func (f *fakeSurface) Send(_ context.Context, msg surface.Message) (string, error) {
	f.mu.Lock()
	if f.sendErr != nil {
		f.mu.Unlock()
		return "", f.sendErr
	}
	f.n++
	f.sent = append(f.sent, msg)
	ref := fmt.Sprintf("fake:%d", f.n)
	f.mu.Unlock()
	if f.afterSend != nil {
		f.afterSend()
	}
	return ref, nil
}

func (f *fakeSurface) Reply(_ context.Context, threadRef, text string) error {
	if f.onReply != nil {
		f.onReply(threadRef)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replyErr != nil {
		return f.replyErr
	}
	f.replies[threadRef] = append(f.replies[threadRef], text)
	return nil
}

func (f *fakeSurface) MarkResolved(_ context.Context, threadRef, actor string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved[threadRef] = actor
	return nil
}

func (f *fakeSurface) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSurface) replyCount(threadRef string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.replies[threadRef])
}

type fakeSink struct {
	mu      sync.Mutex
	letters []deadletter.Letter
	err     error
}

func (f *fakeSink) Name() string { return "fake" }

func (f *fakeSink) Publish(_ context.Context, l deadletter.Letter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.letters = append(f.letters, l)
	return nil
}

func (f *fakeSink) Close() error { return nil }

type fakeAttempts struct {
	mu       sync.Mutex
	attempts []models.DeliveryAttempt
}

func (f *fakeAttempts) Create(_ context.Context, a *models.DeliveryAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, *a)
	return nil
}

func (f *fakeAttempts) ListByNotification(_ context.Context, env, id string) ([]models.DeliveryAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.DeliveryAttempt
	for _, a := range f.attempts {
		if a.Env == env && a.NotificationID == id {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAttempts) DeleteByEnv(_ context.Context, env string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.attempts[:0]
	for _, a := range f.attempts {
		if a.Env != env {
			kept = append(kept, a)
		}
	}
	n := int64(len(f.attempts) - len(kept))
	f.attempts = kept
	return n, nil
}

type harness struct {
	rt       *bootstrap.Runtime
	mr       *miniredis.Miniredis
	clock    *utils.FakeClock
	surface  *fakeSurface
	sink     *fakeSink
	attempts *fakeAttempts

	consumer  *Consumer
	scheduler *Scheduler
	resolver  *Resolver
	admin     *Admin
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clients := make(map[types.Env]*redis.Client)
	for _, env := range types.AllEnvs {
		clients[env] = client
	}

	cfg := &config.Config{}
	cfg.Stream.Consumer = "test-worker"
	require.NoError(t, cfg.Validate())

	h := &harness{
		mr:       mr,
		clock:    utils.NewFakeClock(t0),
		surface:  newFakeSurface(),
		sink:     &fakeSink{},
		attempts: &fakeAttempts{},
	}
	h.rt = &bootstrap.Runtime{
		Config:     cfg,
		Logger:     zaptest.NewLogger(t),
		Store:      store.NewRedisStore(clients),
		Surface:    h.surface,
		DeadLetter: h.sink,
		Attempts:   h.attempts,
		Tracer:     noop.NewTracerProvider().Tracer("test"),
		Clock:      h.clock,
	}
	h.consumer = NewConsumer(h.rt)
	sched, err := NewScheduler(h.rt)
	require.NoError(t, err)
	h.scheduler = sched
	h.resolver = NewResolver(h.rt)
	h.admin = NewAdmin(h.rt)

	for _, env := range cfg.Envs {
		require.NoError(t, h.rt.Store.EnsureGroup(context.Background(), env))
	}
	return h
}

// consume reads everything new in env and processes it, returning the
// per-entry errors.
func (h *harness) consume(t *testing.T, env types.Env) []error {
	t.Helper()
	ctx := context.Background()
	entries, err := h.rt.Store.ReadNew(ctx, env, h.consumer.Name(), 100, 0)
	require.NoError(t, err)
	errs := make([]error, 0, len(entries))
	for _, e := range entries {
		errs = append(errs, h.consumer.Process(ctx, env, e))
	}
	return errs
}

// publishAction publishes an action notification and consumes it.
func (h *harness) publishAction(t *testing.T, env types.Env, recipient string) string {
	t.Helper()
	id, _, err := h.admin.Publish(context.Background(), env, types.PublishRequest{
		MainText:  "deploy approval needed",
		Template:  "action",
		Recipient: recipient,
		Status:    "error",
	})
	require.NoError(t, err)
	for _, err := range h.consume(t, env) {
		require.NoError(t, err)
	}
	return id
}

func (h *harness) record(t *testing.T, env types.Env, id string) *models.NotificationRecord {
	t.Helper()
	rec, err := h.rt.Store.GetRecord(context.Background(), env, id)
	require.NoError(t, err)
	return rec
}

func (h *harness) indexed(t *testing.T, env types.Env, id string) bool {
	t.Helper()
	_, ok, err := h.rt.Store.DueAt(context.Background(), env, id)
	require.NoError(t, err)
	return ok
}

// tickAt moves the clock to t0+offset and runs one scheduler pass.
func (h *harness) tickAt(offset time.Duration) TickStats {
	h.clock.Set(t0.Add(offset))
	return h.scheduler.Tick(context.Background())
}
