package filesync

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tufilesync "github.com/tonimelisma/filesync-core/testutil/filesync"
)

func newTestFacade(t *testing.T, autoPrioritize bool) (*CRUDFacade, *tufilesync.Catalog, *tufilesync.Local, *tufilesync.Remote, *StateStore, *Executor) {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	catalog := tufilesync.NewCatalog()
	local := tufilesync.NewLocal()
	remote := tufilesync.NewRemote()
	state := NewStateStore(catalog, "client-a", logger)
	bus := newObservationBus(logger)
	exec := NewExecutor(DefaultExecutorConfig(), noopHandler{}, logger)

	facade := NewCRUDFacade(catalog, local, remote, tufilesync.Hasher{}, state, exec, nil, bus, "store", autoPrioritize)

	return facade, catalog, local, remote, state, exec
}

func TestCRUDFacade_SaveFileWritesAndQueuesUpload(t *testing.T) {
	t.Parallel()

	facade, catalog, local, _, state, exec := newTestFacade(t, false)

	saved, err := facade.SaveFile(context.Background(), []byte("hello"))
	require.NoError(t, err)
	assert.NotEmpty(t, saved.FileID)

	exists, err := local.FileExists(context.Background(), saved.Path)
	require.NoError(t, err)
	assert.True(t, exists)

	rec, ok, err := catalog.GetRecord(context.Background(), saved.FileID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, saved.ContentHash, rec.ContentHash)

	entries, err := state.GetState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, entries[saved.FileID].UploadStatus)
	assert.Equal(t, 1, exec.QueuedCount())
}

func TestCRUDFacade_UpdateFileSameHashIsNoop(t *testing.T) {
	t.Parallel()

	facade, _, _, _, _, exec := newTestFacade(t, false)

	saved, err := facade.SaveFile(context.Background(), []byte("hello"))
	require.NoError(t, err)

	before := exec.QueuedCount()

	again, err := facade.UpdateFile(context.Background(), saved.FileID, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, saved.Path, again.Path)
	assert.Equal(t, before, exec.QueuedCount(), "identical content must not enqueue another upload")
}

func TestCRUDFacade_UpdateFileNewHashCleansUpOldBytesAndBlob(t *testing.T) {
	t.Parallel()

	facade, _, local, remote, state, _ := newTestFacade(t, false)

	saved, err := facade.SaveFile(context.Background(), []byte("hello"))
	require.NoError(t, err)

	_, uerr := remote.Upload(context.Background(), []byte("hello"), saved.ContentHash, nil)
	require.NoError(t, uerr)
	require.NoError(t, state.SetEntry(context.Background(), saved.FileID, StateEntry{
		Path: saved.Path, UploadStatus: StatusDone, DownloadStatus: StatusDone,
	}))

	updated, err := facade.UpdateFile(context.Background(), saved.FileID, []byte("goodbye"))
	require.NoError(t, err)
	assert.NotEqual(t, saved.Path, updated.Path)

	oldExists, err := local.FileExists(context.Background(), saved.Path)
	require.NoError(t, err)
	assert.False(t, oldExists)
}

func TestCRUDFacade_DeleteFileRemovesLocalAndRemoteBytes(t *testing.T) {
	t.Parallel()

	facade, catalog, local, remote, _, _ := newTestFacade(t, false)

	saved, err := facade.SaveFile(context.Background(), []byte("hello"))
	require.NoError(t, err)

	_, uerr := remote.Upload(context.Background(), []byte("hello"), saved.ContentHash, nil)
	require.NoError(t, uerr)
	require.NoError(t, catalog.CommitFileEvent(context.Background(), UpdateFileEvent{
		FileID: saved.FileID, Path: saved.Path, ContentHash: saved.ContentHash, RemoteKey: saved.ContentHash,
	}))

	require.NoError(t, facade.DeleteFile(context.Background(), saved.FileID))

	exists, err := local.FileExists(context.Background(), saved.Path)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCRUDFacade_ResolveFileURLPrefersLocal(t *testing.T) {
	t.Parallel()

	facade, _, _, _, _, _ := newTestFacade(t, false)

	saved, err := facade.SaveFile(context.Background(), []byte("hello"))
	require.NoError(t, err)

	url, ok, err := facade.ResolveFileURL(context.Background(), saved.FileID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, url, saved.Path)
}

func TestCRUDFacade_ResolveFileURLFallsBackToRemoteWhenNoLocalBytes(t *testing.T) {
	t.Parallel()

	facade, catalog, local, _, _, _ := newTestFacade(t, false)

	require.NoError(t, catalog.CommitFileEvent(context.Background(), CreateFileEvent{
		FileID: "f1", Path: "store/files/abc", ContentHash: "abc",
	}))
	require.NoError(t, catalog.CommitFileEvent(context.Background(), UpdateFileEvent{
		FileID: "f1", Path: "store/files/abc", ContentHash: "abc", RemoteKey: "abc",
	}))

	url, ok, err := facade.ResolveFileURL(context.Background(), "f1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, url, "abc")

	exists, err := local.FileExists(context.Background(), "store/files/abc")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCRUDFacade_RetryErrorsRequeuesAndClearsMessages(t *testing.T) {
	t.Parallel()

	facade, _, _, _, state, exec := newTestFacade(t, false)

	require.NoError(t, state.SetEntry(context.Background(), "f1", StateEntry{
		UploadStatus: StatusError, LastSyncError: "oversize",
	}))

	affected, err := facade.RetryErrors(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"f1"}, affected)
	assert.Equal(t, 1, exec.QueuedCount())

	entries, err := state.GetState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, entries["f1"].UploadStatus)
	assert.Empty(t, entries["f1"].LastSyncError)
}

func TestCRUDFacade_RetryErrorsIsNoopWhenNoneErrored(t *testing.T) {
	t.Parallel()

	facade, _, _, _, _, _ := newTestFacade(t, false)

	affected, err := facade.RetryErrors(context.Background())
	require.NoError(t, err)
	assert.Empty(t, affected)
}
