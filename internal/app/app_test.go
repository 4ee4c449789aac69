package app

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/SirClappington/subway/internal/config"
	"github.com/SirClappington/subway/internal/job"
	"github.com/SirClappington/subway/internal/message"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.RedisURL = "redis://" + mr.Addr()
	cfg.Prefix = "test"

	core, logs := observer.New(zap.InfoLevel)
	a, err := Open(ctx, cfg,
		WithLogger(zap.New(core)),
		WithJobs(func(r *job.Registry) {
			r.MustRegister("ReportJob", func() job.Job { return job.Func(func(context.Context, map[string]any) error { return nil }) })
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })

	assert.Nil(t, a.Archive)
	assert.NoError(t, a.Migrate(ctx))
	assert.True(t, a.Registry.Has(job.NoopClass))
	assert.True(t, a.Registry.Has("ReportJob"))

	_, err = a.Factory.Enqueue(ctx, message.MustNew("default", job.NoopClass, nil))
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:queue:default"))

	a.Banner("worker", zap.String("worker", "box:1:*"))
	entries := logs.FilterMessage("subway worker starting").All()
	require.Len(t, entries, 1)
	assert.Equal(t, Version, entries[0].ContextMap()["version"])
}

func TestOpen_RedisUnreachable(t *testing.T) {
	cfg := config.Default()
	cfg.RedisURL = "not a url"
	_, err := Open(context.Background(), cfg, WithLogger(zap.NewNop()))
	assert.Error(t, err)
}
