package cloud

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

//go:embed terraform
var engineAssets embed.FS

// materializeAssets copies the embedded engine module into workDir.
// Returns true when the directory was freshly created, which is the
// signal to run init.
func materializeAssets(workDir string) (bool, error) {
	if _, err := os.Stat(workDir); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to stat work dir %s: %w", workDir, err)
	}

	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return false, fmt.Errorf("failed to create work dir %s: %w", workDir, err)
	}

	err := fs.WalkDir(engineAssets, "terraform", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel("terraform", path)
		if err != nil {
			return err
		}
		dest := filepath.Join(workDir, rel)

		if d.IsDir() {
			return os.MkdirAll(dest, 0o755)
		}
		data, err := engineAssets.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(dest, data, 0o644)
	})
	if err != nil {
		// Leave no half-materialized module behind.
		_ = os.RemoveAll(workDir)
		return false, fmt.Errorf("failed to materialize engine module: %w", err)
	}
	return true, nil
}
