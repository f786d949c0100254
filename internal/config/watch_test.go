package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"chunkvault/internal/config"
	"chunkvault/internal/shared"

	"github.com/stretchr/testify/require"
)

func TestWatchFileBumpsGenerationOnWrite(t *testing.T) {
	dir := t.TempDir()
	confPath := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(confPath, []byte("{}"), 0644))

	gen, err := shared.OpenGenerationFile(filepath.Join(dir, "generation"))
	require.NoError(t, err)
	defer gen.Close()

	before := gen.Load()

	w, err := config.WatchFile(confPath, gen, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(confPath, []byte(`{"datastores":[]}`), 0644))

	require.Eventually(t, func() bool {
		return gen.Load() > before
	}, 2*time.Second, 10*time.Millisecond)
}
