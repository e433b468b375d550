// Package config resolves the on-disk layout ALP operates against from its
// environment variables, falling back to the documented defaults.
package config

import (
	"os"
	"path/filepath"
)

// Layout describes the three directories ALP reads and writes, resolved
// once at process startup and threaded through the rest of the program.
type Layout struct {
	// DBPath is the location of the sqlite3 installation database.
	DBPath string

	// CacheDir holds downloaded package archives and per-repository index caches.
	CacheDir string

	// LogDir holds the append-only transaction log.
	LogDir string
}

// Load resolves a Layout from ALP_DB_PATH, ALP_CACHE_DIR and ALP_LOG_DIR,
// defaulting to ./alp_data/{packages.db,cache,logs} when unset.
func Load() Layout {
	return Layout{
		DBPath:   envOr("ALP_DB_PATH", filepath.Join("alp_data", "packages.db")),
		CacheDir: envOr("ALP_CACHE_DIR", filepath.Join("alp_data", "cache")),
		LogDir:   envOr("ALP_LOG_DIR", filepath.Join("alp_data", "logs")),
	}
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// EnsureDirs creates the cache and log directories (and the database's
// parent directory) if they do not already exist.
func (l Layout) EnsureDirs() error {
	for _, dir := range []string{l.CacheDir, l.LogDir, filepath.Dir(l.DBPath)} {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
