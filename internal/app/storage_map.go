package app

import (
	"fmt"
	"strings"
	"time"

	"rotasend/internal/config"
	"rotasend/internal/storage"
)

// mapStorageConfig returns the storage config and whether storage is
// enabled. Relative paths resolve against the config file's directory.
func mapStorageConfig(cfg *config.Config, baseDir string) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := resolvePath(baseDir, sc.Path)
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
