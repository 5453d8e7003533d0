package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperless-ai/ocr-engine/internal/batch"
	"github.com/paperless-ai/ocr-engine/internal/config"
	"github.com/paperless-ai/ocr-engine/internal/observability"
	"github.com/paperless-ai/ocr-engine/internal/storage"
)

func TestNew_RecoversFromInterruptedRun(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig()
	cfg.Database.SQLite.Path = filepath.Join(t.TempDir(), "ocr.db")
	cfg.Observability.MetricsEnabled = false

	// State left behind by a process that died mid-batch.
	db, store, err := OpenStore(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, store.StartSession(ctx, "crashed", 5))
	_, err = store.RecordAttemptStart(ctx, 12, "Invoice")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	a, err := New(ctx, cfg, observability.NopLogger())
	require.NoError(t, err)
	defer a.Close()

	session, err := a.Store.GetSession(ctx, "crashed")
	require.NoError(t, err)
	assert.Equal(t, storage.SessionStatusFailed, session.Status)
	assert.NotNil(t, session.CompletedAt)

	history, err := a.Store.History(ctx, 12)
	require.NoError(t, err)
	assert.Empty(t, history)

	assert.Equal(t, batch.StateIdle, a.Controller.Status().State)
	assert.Nil(t, a.MetricsHandler())
}
