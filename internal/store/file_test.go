package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fyrsmithlabs/dispatchd/internal/job"
	"github.com/fyrsmithlabs/dispatchd/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.ndjson")
	logger := logging.NewTestLogger(t)

	fs, err := NewFileStore(path, logger)
	require.NoError(t, err)

	created, err := fs.Create(ctx, CreateRequest{
		Entrypoint: "deploy",
		Params:     map[string]interface{}{"env": "prod"},
	})
	require.NoError(t, err)
	require.NoError(t, fs.SaveRunState(ctx, "run-1", []byte(`{"step":"plan"}`)))
	require.NoError(t, fs.Close())

	reopened, err := NewFileStore(path, logger)
	require.NoError(t, err)

	got, err := reopened.Get(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created.Key, got.Key)
	assert.Equal(t, job.StatusQueued, got.Status)
	assert.Equal(t, "prod", got.Params["env"])

	state, err := reopened.LoadRunState(ctx, "run-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"step":"plan"}`, string(state))

	t.Run("active key index is rebuilt", func(t *testing.T) {
		dup, err := reopened.Create(ctx, CreateRequest{
			Entrypoint: "deploy",
			Params:     map[string]interface{}{"env": "prod"},
		})
		require.NoError(t, err)
		assert.Equal(t, created.ID, dup.ID, "live job must still deduplicate after restart")
	})
}

func TestFileStorePersistsTransitions(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.ndjson")
	logger := logging.NewTestLogger(t)

	fs, err := NewFileStore(path, logger)
	require.NoError(t, err)

	created, err := fs.Create(ctx, CreateRequest{Entrypoint: "deploy"})
	require.NoError(t, err)
	_, err = fs.StartJob(ctx, created.ID)
	require.NoError(t, err)
	_, err = fs.SucceedJob(ctx, created.ID, map[string]interface{}{"ok": true})
	require.NoError(t, err)

	// No explicit Close: every mutation already hit disk.
	reopened, err := NewFileStore(path, logger)
	require.NoError(t, err)

	got, err := reopened.Get(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.StatusSucceeded, got.Status)
	assert.Equal(t, 1, got.Attempts)

	t.Run("terminal job does not hold its key", func(t *testing.T) {
		fresh, err := reopened.Create(ctx, CreateRequest{Entrypoint: "deploy"})
		require.NoError(t, err)
		assert.NotEqual(t, created.ID, fresh.ID)
	})
}

func TestFileStoreSkipsMalformedLines(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.ndjson")
	logger := logging.NewTestLogger(t)

	fs, err := NewFileStore(path, logger)
	require.NoError(t, err)
	created, err := fs.Create(ctx, CreateRequest{Entrypoint: "deploy"})
	require.NoError(t, err)
	require.NoError(t, fs.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("this is not json\n{\"kind\":\"alien\",\"data\":{}}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := NewFileStore(path, logger)
	require.NoError(t, err, "corrupt lines are skipped, not fatal")

	got, err := reopened.Get(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestFileStoreAutoSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.ndjson")
	fs, err := NewFileStore(path, logging.NewTestLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fs.StartAutoSave(ctx, 10*time.Millisecond)

	_, err = fs.Create(ctx, CreateRequest{Entrypoint: "deploy"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		info, err := os.Stat(path)
		return err == nil && info.Size() > 0
	}, time.Second, 10*time.Millisecond)
}
