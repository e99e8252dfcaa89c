package bootstrap

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jsndz/ackbus/pkg/config"
	"github.com/jsndz/ackbus/pkg/types"
)

func TestNewConnectsAndCloses(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg, err := config.Parse([]byte("envs: [dev, uat]\nredis: {addr: " + mr.Addr() + "}\n"))
	require.NoError(t, err)

	rt, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, []types.Env{types.EnvDev, types.EnvUAT}, rt.Store.Envs())
	assert.Equal(t, "log", rt.Surface.Name())
	assert.Equal(t, "redis", rt.DeadLetter.Name())
	assert.Nil(t, rt.Attempts)
	require.NoError(t, rt.Store.Ping(context.Background()))

	require.NoError(t, rt.Close())
	assert.Error(t, rt.Store.Ping(context.Background()))
	assert.NoError(t, rt.Close(), "closing twice is harmless")
}

func TestNewFailsWithoutRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg, err := config.Parse([]byte("redis: {addr: " + addr + "}\n"))
	require.NoError(t, err)

	_, err = New(context.Background(), cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}
