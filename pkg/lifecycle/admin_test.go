package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsndz/ackbus/pkg/deadletter"
	"github.com/jsndz/ackbus/pkg/models"
	"github.com/jsndz/ackbus/pkg/store"
	"github.com/jsndz/ackbus/pkg/types"
)

func TestPublishValidatesPayload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, _, err := h.admin.Publish(ctx, types.EnvDev, types.PublishRequest{MainText: "x", Template: "action"})
	assert.ErrorIs(t, err, ErrInvalidPayload)
	var malformed *types.MalformedError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, types.FieldRecipient, malformed.Field)

	_, _, err = h.admin.Publish(ctx, types.EnvDev, types.PublishRequest{MainText: "x", Template: "fax"})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, _, err = h.admin.Publish(ctx, "", types.PublishRequest{MainText: "x", Template: "text"})
	assert.ErrorIs(t, err, ErrUnknownEnv)

	st, err := h.rt.Store.StreamStats(ctx, types.EnvDev)
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Length)
}

func TestPublishNormalizesSeverity(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.admin.Publish(context.Background(), types.EnvDev, types.PublishRequest{
		MainText: "x",
		Template: " TEXT ",
		Status:   "purple",
	})
	require.NoError(t, err)
	for _, err := range h.consume(t, types.EnvDev) {
		require.NoError(t, err)
	}
	require.Len(t, h.surface.sent, 1)
	assert.Equal(t, types.SeverityInfo, h.surface.sent[0].Severity)
	assert.Equal(t, types.TemplateText, h.surface.sent[0].Template)
}

func TestStatusCountsPerEnvironment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.publishAction(t, types.EnvDev, "U1")
	h.publishAction(t, types.EnvDev, "U2")
	resolved := h.publishAction(t, types.EnvDev, "U3")
	_, err := h.resolver.Resolve(ctx, types.ActionCallback{ID: resolved, Env: types.EnvDev, Actor: "a"})
	require.NoError(t, err)

	all, err := h.admin.Status(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)

	dev, err := h.admin.Status(ctx, types.EnvDev)
	require.NoError(t, err)
	require.Len(t, dev, 1)
	assert.Equal(t, int64(2), dev[0].Records[models.StatusPending])
	assert.Equal(t, int64(1), dev[0].Records[models.StatusResolved])
	assert.Equal(t, int64(2), dev[0].DueIndex)
	assert.Equal(t, int64(3), dev[0].Stream.Length)
	assert.Equal(t, int64(0), dev[0].Stream.Pending)

	h.rt.Config.Envs = []types.Env{types.EnvDev}
	_, err = h.admin.Status(ctx, types.EnvUAT)
	assert.ErrorIs(t, err, ErrUnknownEnv)
}

func TestClearIsScopedToOneEnvironment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	devID := h.publishAction(t, types.EnvDev, "U1")
	uatID := h.publishAction(t, types.EnvUAT, "U2")

	res, err := h.admin.Clear(ctx, types.EnvUAT)
	require.NoError(t, err)
	require.Contains(t, res, types.EnvUAT)
	assert.Equal(t, int64(1), res[types.EnvUAT].Records)
	assert.Equal(t, int64(1), res[types.EnvUAT].IndexEntries)
	assert.NotContains(t, res, types.EnvDev)

	_, err = h.rt.Store.GetRecord(ctx, types.EnvUAT, uatID)
	assert.ErrorIs(t, err, store.ErrRecordNotFound)
	assert.False(t, h.indexed(t, types.EnvUAT, uatID))

	assert.Equal(t, models.StatusPending, h.record(t, types.EnvDev, devID).Status)
	assert.True(t, h.indexed(t, types.EnvDev, devID))

	uatAttempts, _ := h.attempts.ListByNotification(ctx, "uat", uatID)
	assert.Empty(t, uatAttempts)
	devAttempts, _ := h.attempts.ListByNotification(ctx, "dev", devID)
	assert.Len(t, devAttempts, 1)

	stats := h.tickAt(10 * time.Second)
	assert.Equal(t, 1, stats.Sent)

	_, err = h.admin.Clear(ctx, types.EnvUAT)
	require.NoError(t, err)
}

func TestGetReturnsRecordScheduleAndAttempts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.publishAction(t, types.EnvDev, "U1")
	h.tickAt(10 * time.Second)

	d, err := h.admin.Get(ctx, types.EnvDev, id)
	require.NoError(t, err)
	assert.Equal(t, id, d.Record.ID)
	require.NotNil(t, d.DueAt)
	assert.True(t, d.DueAt.Equal(t0.Add(20*time.Second)))
	require.Len(t, d.Attempts, 2)
	assert.Equal(t, attemptInitial, d.Attempts[0].Kind)
	assert.Equal(t, attemptReminder, d.Attempts[1].Kind)

	_, err = h.admin.Get(ctx, types.EnvDev, "missing")
	assert.True(t, errors.Is(err, store.ErrRecordNotFound))
}

func TestReconcileRemovesOrphans(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.rt.Store.ScheduleDue(ctx, types.EnvProd, "ghost", t0.Add(time.Hour)))
	young := h.publishAction(t, types.EnvProd, "U1")
	require.NoError(t, h.rt.Store.Unschedule(ctx, types.EnvProd, young))

	reports, err := h.admin.Reconcile(ctx, types.EnvProd, true)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, []string{"ghost"}, reports[0].Orphans)
	// Records younger than the grace period may still be mid-write.
	assert.Empty(t, reports[0].MissingIndex)
	assert.Equal(t, 1, reports[0].Repaired)
	assert.False(t, h.indexed(t, types.EnvProd, "ghost"))
}

func TestRedriveReturnsLettersToTheirLog(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: h.mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	sink := deadletter.NewRedisSink(map[types.Env]*redis.Client{types.EnvDev: client, types.EnvUAT: client}, 0)
	h.rt.DeadLetter = sink

	_, err := h.rt.Store.Append(ctx, types.EnvDev, map[string]interface{}{"template": "carrier-pigeon", "main_text": "hi"})
	require.NoError(t, err)
	h.consume(t, types.EnvDev)
	n, err := client.XLen(ctx, deadletter.StreamKey(types.EnvDev)).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	// a letter rejected earlier that the consumer now accepts
	require.NoError(t, sink.Publish(ctx, deadletter.Letter{
		Env:      types.EnvUAT,
		EntryID:  "1-0",
		Reason:   "invalid_template",
		Fields:   map[string]interface{}{"template": "text", "main_text": "back again"},
		FailedAt: t0,
	}))

	res, err := h.admin.Redrive(ctx, types.EnvUAT, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, 1, res.Redriven[types.EnvUAT])

	for _, err := range h.consume(t, types.EnvUAT) {
		require.NoError(t, err)
	}
	require.Equal(t, 1, h.surface.sentCount())
	assert.Equal(t, "back again", h.surface.sent[0].MainText)

	res, err = h.admin.Redrive(ctx, "", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Redriven[types.EnvDev])
	st, err := h.rt.Store.StreamStats(ctx, types.EnvDev)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Length)
}

func TestRedriveNeedsDrainableSink(t *testing.T) {
	h := newHarness(t)
	_, err := h.admin.Redrive(context.Background(), types.EnvDev, 0)
	assert.ErrorIs(t, err, deadletter.ErrDrainUnsupported)

	_, err = h.admin.Redrive(context.Background(), "staging", 0)
	assert.ErrorIs(t, err, ErrUnknownEnv)
}
