package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"stagehand/staging"
)

const (
	defaultLocalDBName = "stagehand.db"
	opTimeout          = 3 * time.Second
)

// Open builds the staging store for the given mode. Supported modes are
// memory, sqlite (alias local) and postgres (alias db). It returns the
// resolved mode name for logging.
func Open(mode, sqlitePath, postgresDSN string) (staging.Store, string, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "memory":
		return NewMemoryStore(), "memory", nil
	case "", "local", "sqlite":
		path := strings.TrimSpace(sqlitePath)
		if path == "" {
			var err error
			if path, err = defaultSQLitePath(); err != nil {
				return nil, "", err
			}
		}
		s, err := NewSQLiteStore(path)
		if err != nil {
			return nil, "", err
		}
		return s, "sqlite", nil
	case "db", "postgres", "postgresql":
		s, err := NewPostgresStore(postgresDSN)
		if err != nil {
			return nil, "", err
		}
		return s, "postgres", nil
	default:
		return nil, "", fmt.Errorf("unknown store mode %q", mode)
	}
}

func defaultSQLitePath() (string, error) {
	userConfigDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(userConfigDir, "stagehand", defaultLocalDBName), nil
}
