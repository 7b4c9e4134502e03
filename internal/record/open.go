package record

import (
	"fmt"
	"path/filepath"
)

// Open returns the store for driver ("sqlite", "badger" or "memory") rooted
// at dataDir.
func Open(driver, dataDir string) (Store, error) {
	switch driver {
	case "", "sqlite":
		return OpenSQLite(dataDir)
	case "badger":
		return OpenBadger(filepath.Join(dataDir, "badger"))
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
