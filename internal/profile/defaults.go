package profile

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/user/gdbhub/configs"
)

// ensureDefaults seeds dir with the shipped profiles unless it already holds
// at least one profile file.
func ensureDefaults(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read profiles dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && isYAML(entry.Name()) {
			return nil
		}
	}

	shipped, err := fs.ReadDir(configs.ProfileDefaults, "profiles")
	if err != nil {
		return fmt.Errorf("list embedded profiles: %w", err)
	}
	for _, entry := range shipped {
		content, err := configs.ProfileDefaults.ReadFile(path.Join("profiles", entry.Name()))
		if err != nil {
			return fmt.Errorf("read embedded profile %q: %w", entry.Name(), err)
		}
		dst := filepath.Join(dir, entry.Name())
		if err := os.WriteFile(dst, content, 0o644); err != nil {
			return fmt.Errorf("write default %q: %w", dst, err)
		}
	}
	return nil
}
