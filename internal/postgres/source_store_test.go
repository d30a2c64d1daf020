package postgres_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantflow-data/grantflow/platform/internal/domain"
	"github.com/grantflow-data/grantflow/platform/internal/postgres"
)

func TestSourceStore_CreateAndGet(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewSourceStore(pool)
	ctx := context.Background()

	src := seedSource(t, pool, "grants-api")

	got, err := store.GetSource(ctx, src.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "grants-api", got.Name)
	assert.True(t, got.Active)
	assert.False(t, got.ForceFullReprocessing)

	missing, err := store.GetSource(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSourceStore_DuplicateName(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewSourceStore(pool)

	seedSource(t, pool, "grants-api")
	dup := domain.Source{Name: "grants-api", Endpoint: "https://example.org/other", Type: "list", Active: true}
	err := store.CreateSource(context.Background(), &dup)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestSourceStore_ListActiveOnly(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewSourceStore(pool)
	ctx := context.Background()

	seedSource(t, pool, "active-source")
	inactive := domain.Source{Name: "inactive-source", Endpoint: "https://example.org/x", Type: "list", Active: false}
	require.NoError(t, store.CreateSource(ctx, &inactive))

	all, err := store.ListSources(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := store.ListSources(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "active-source", active[0].Name)
}

func TestSourceStore_Configuration(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewSourceStore(pool)
	ctx := context.Background()
	src := seedSource(t, pool, "grants-api")

	// No row yet: zero-valued defaults, not an error.
	cfg, err := store.GetConfiguration(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, src.ID, cfg.SourceID)
	assert.Empty(t, cfg.SyncSchedule)

	want := domain.SourceConfiguration{
		SourceID:       src.ID,
		SyncSchedule:   "0 6 * * *",
		RequestHeaders: map[string]string{"Authorization": "Bearer tok"},
		PageSize:       250,
		RunTimeoutMins: 45,
		Instructions:   "ignore archived records",
	}
	require.NoError(t, store.UpsertConfiguration(ctx, want))

	cfg, err = store.GetConfiguration(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, want, cfg)

	// Upsert replaces the row.
	want.PageSize = 100
	require.NoError(t, store.UpsertConfiguration(ctx, want))
	cfg, err = store.GetConfiguration(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.PageSize)
}

func TestSourceStore_ForceFullReprocessingFlag(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewSourceStore(pool)
	ctx := context.Background()
	src := seedSource(t, pool, "grants-api")

	require.NoError(t, store.SetForceFullReprocessing(ctx, src.ID, true))
	got, err := store.GetSource(ctx, src.ID)
	require.NoError(t, err)
	assert.True(t, got.ForceFullReprocessing)

	flagged, err := store.ShouldForceFullReprocessing(ctx, src.ID)
	require.NoError(t, err)
	assert.True(t, flagged)

	require.NoError(t, store.DisableForceFullReprocessing(ctx, src.ID))
	got, err = store.GetSource(ctx, src.ID)
	require.NoError(t, err)
	assert.False(t, got.ForceFullReprocessing)

	flagged, err = store.ShouldForceFullReprocessing(ctx, src.ID)
	require.NoError(t, err)
	assert.False(t, flagged)

	// Unknown source reads as unset, not as an error.
	flagged, err = store.ShouldForceFullReprocessing(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, flagged)
}

func TestSourceStore_ScheduledSources(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewSourceStore(pool)
	ctx := context.Background()

	scheduled := seedSource(t, pool, "scheduled")
	require.NoError(t, store.UpsertConfiguration(ctx, domain.SourceConfiguration{
		SourceID:     scheduled.ID,
		SyncSchedule: "0 6 * * *",
	}))

	// Manual-only source: config row without a schedule.
	manual := seedSource(t, pool, "manual")
	require.NoError(t, store.UpsertConfiguration(ctx, domain.SourceConfiguration{SourceID: manual.ID}))

	// Inactive sources never fire even with a schedule.
	inactive := domain.Source{Name: "inactive", Endpoint: "https://example.org/i", Type: "list", Active: false}
	require.NoError(t, store.CreateSource(ctx, &inactive))
	require.NoError(t, store.UpsertConfiguration(ctx, domain.SourceConfiguration{
		SourceID:     inactive.ID,
		SyncSchedule: "0 6 * * *",
	}))

	got, err := store.ScheduledSources(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, scheduled.ID, got[0].SourceID)
	assert.Equal(t, "0 6 * * *", got[0].Schedule)
}
