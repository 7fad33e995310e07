package catalogfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/recoverlution/luma/internal/domain/catalog"
	"github.com/recoverlution/luma/internal/domain/shared"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func catalogYAML(version int, blocks ...string) string {
	list := ""
	for i, b := range blocks {
		if i > 0 {
			list += ", "
		}
		list += b
	}
	return fmt.Sprintf(`version: %d
published_at: 2025-02-01T00:00:00Z
generate:
  probes: true
  practices: true
pillars:
  - code: ER
    families:
      - code: DT
        name: Distress Tolerance
        blocks: [%s]
`, version, list)
}

func writeCatalog(t *testing.T, path string, version int, blocks ...string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML(version, blocks...)), 0o600))
}

func TestNewRegistry_KeepsEmbeddedResolvable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	writeCatalog(t, path, 2, "Naming the wave")

	embedded, err := catalog.Default()
	require.NoError(t, err)

	reg, err := NewRegistry(path, embedded)
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Active().Version())
	assert.Equal(t, []int{1, 2}, reg.Versions())

	_, err = reg.Resolve("SR-RC-002", 1)
	assert.NoError(t, err, "historic events stay interpretable")
	_, err = reg.Resolve("SR-RC-002", 2)
	assert.Error(t, err)
}

func TestNewRegistry_SameVersionReplacesEmbedded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	writeCatalog(t, path, 1, "Naming the wave", "Riding out peaks")

	embedded, err := catalog.Default()
	require.NoError(t, err)

	reg, err := NewRegistry(path, embedded)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, reg.Versions())
	assert.Equal(t, 2, reg.Active().Size())
}

func TestNewRegistry_RejectsOlderFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	writeCatalog(t, path, 3, "Naming the wave")
	newer, err := catalog.LoadFile(path)
	require.NoError(t, err)

	writeCatalog(t, path, 2, "Naming the wave")
	_, err = NewRegistry(path, newer)
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrStateTransition)
}

func TestWatcher_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	writeCatalog(t, path, 1, "Naming the wave")
	reg, err := NewRegistry(path, nil)
	require.NoError(t, err)

	w := NewWatcher(path, reg, Config{}, nil)

	outcome, err := w.Reload()
	require.NoError(t, err)
	assert.Equal(t, Unchanged, outcome)

	writeCatalog(t, path, 2, "Naming the wave", "Riding out peaks")
	outcome, err = w.Reload()
	require.NoError(t, err)
	assert.Equal(t, Published, outcome)
	assert.Equal(t, 2, reg.Active().Version())

	require.NoError(t, os.WriteFile(path, []byte("version: ["), 0o600))
	_, err = w.Reload()
	require.Error(t, err)
	assert.Equal(t, 2, reg.Active().Version(), "a broken file leaves the active catalog alone")

	writeCatalog(t, path, 1, "Naming the wave")
	_, err = w.Reload()
	require.Error(t, err)

	stats := w.Stats()
	assert.Equal(t, 4, stats.Reloads)
	assert.Equal(t, 1, stats.Published)
	assert.Equal(t, 1, stats.Unchanged)
	assert.Equal(t, 2, stats.Errors)
	assert.Equal(t, 2, stats.LastVersion)
	assert.NotEmpty(t, stats.LastError)
}

func TestWatcher_PublishesOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	writeCatalog(t, path, 1, "Naming the wave")
	reg, err := NewRegistry(path, nil)
	require.NoError(t, err)

	w := NewWatcher(path, reg, Config{Debounce: 20 * time.Millisecond}, nil)
	require.NoError(t, w.Start(context.Background()))
	defer func() { require.NoError(t, w.Stop()) }()
	assert.True(t, w.IsWatching())

	// Unrelated files in the same directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	// Replace by rename, the way editors and deploy tools do.
	tmp := filepath.Join(dir, ".catalog.yaml.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(catalogYAML(2, "Naming the wave", "Riding out peaks")), 0o600))
	require.NoError(t, os.Rename(tmp, path))

	assert.Eventually(t, func() bool {
		return reg.Active().Version() == 2
	}, 2*time.Second, 10*time.Millisecond)

	stats := w.Stats()
	assert.GreaterOrEqual(t, stats.Events, 1)
	assert.Equal(t, 1, stats.Published)
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	writeCatalog(t, path, 1, "Naming the wave")
	reg, err := NewRegistry(path, nil)
	require.NoError(t, err)

	w := NewWatcher(path, reg, Config{}, nil)
	require.NoError(t, w.Stop())
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
	assert.False(t, w.IsWatching())
}
