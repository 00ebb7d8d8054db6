package ledger

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailscroll/ledger/internal/ledger/status"
)

func TestOpenRepositoryInitializesConfigAndFingerprint(t *testing.T) {
	dir := t.TempDir()
	repo, err := OpenRepository(dir, DefaultEnvironment())
	require.NoError(t, err)
	defer repo.Close()

	assert.FileExists(t, filepath.Join(dir, "ledger.toml"))
	assert.FileExists(t, filepath.Join(dir, "fingerprint"))
	assert.NotEmpty(t, repo.Config().DeviceID)
	assert.Equal(t, SerializationVersion, repo.Config().SerializationVersion)
	assert.Equal(t, dir, repo.BaseDir())
}

func TestOpenRepositoryPersistsDeviceIDAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	repo1, err := OpenRepository(dir, DefaultEnvironment())
	require.NoError(t, err)
	id1 := repo1.Config().DeviceID
	require.NoError(t, repo1.Close())

	repo2, err := OpenRepository(dir, DefaultEnvironment())
	require.NoError(t, err)
	defer repo2.Close()
	assert.Equal(t, id1, repo2.Config().DeviceID)
}

func TestRepositoryGetLedgerCreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	repo, err := OpenRepository(dir, DefaultEnvironment())
	require.NoError(t, err)
	defer repo.Close()

	l1, err := repo.GetLedger([]byte("ledger-a"))
	require.NoError(t, err)
	require.NotNil(t, l1)

	names, err := repo.LedgerNames()
	require.NoError(t, err)
	assert.Contains(t, names, "ledger-a")

	p, err := l1.NewPage(context.Background())
	require.NoError(t, err)
	defer p.Close()

	ids, err := repo.PageIDs([]byte("ledger-a"))
	require.NoError(t, err)
	assert.Contains(t, ids, p.GetId())
}

func TestRepositoryCloseRejectsFurtherOperations(t *testing.T) {
	dir := t.TempDir()
	repo, err := OpenRepository(dir, DefaultEnvironment())
	require.NoError(t, err)

	require.NoError(t, repo.Close())

	_, err = repo.GetLedger([]byte("ledger-a"))
	require.Error(t, err)
	assert.Equal(t, status.IllegalState, status.Of(err))
}

func TestRepositoryDiskCleanUpRejectsConcurrentRun(t *testing.T) {
	dir := t.TempDir()
	repo, err := OpenRepository(dir, DefaultEnvironment())
	require.NoError(t, err)
	defer repo.Close()

	repo.mu.Lock()
	repo.cleaning = true
	repo.mu.Unlock()

	_, err = repo.DiskCleanUp(context.Background())
	require.Error(t, err)
	assert.Equal(t, status.IllegalState, status.Of(err))

	repo.mu.Lock()
	repo.cleaning = false
	repo.mu.Unlock()

	report, err := repo.DiskCleanUp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Evicted)
}

func TestRepositoryHandleCloudEraseOnFingerprintRemoval(t *testing.T) {
	dir := t.TempDir()
	repo, err := OpenRepository(dir, DefaultEnvironment())
	require.NoError(t, err)
	defer repo.Close()

	erased := make(chan struct{}, 1)
	repo.SetOnCloudErase(func() { erased <- struct{}{} })

	require.NoError(t, os.Remove(repo.fingerprintPath()))

	select {
	case <-erased:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cloud-erase callback")
	}

	_, err = repo.GetLedger([]byte("ledger-a"))
	require.Error(t, err)
	assert.Equal(t, status.IllegalState, status.Of(err))
}
