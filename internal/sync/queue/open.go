package queue

import (
	"github.com/kelmah/offlinesync/internal/db"
	apperrors "github.com/kelmah/offlinesync/internal/errors"
	"github.com/kelmah/offlinesync/internal/logging"
)

// sqliteBackend owns both the connection and its statement cache.
type sqliteBackend struct {
	*db.Repository
	database *db.DB
}

func (b *sqliteBackend) Close() error {
	stmtErr := b.Repository.Close()
	if err := b.database.Close(); err != nil {
		return err
	}
	return stmtErr
}

// Open returns a Store backed by SQLite under dataDir. When the database
// cannot be opened the store degrades to memory: actions are still queued
// and delivered but do not survive a restart.
func Open(dataDir string) *Store {
	if dataDir != "" {
		database, err := db.Open(dataDir)
		if err == nil {
			return NewStore(&sqliteBackend{Repository: db.NewRepository(database.DB), database: database}, true)
		}
		logging.Component("queue").ErrorWithCode("Durable storage unavailable, queue is memory-only",
			string(apperrors.ErrStorageUnavailable), err, map[string]interface{}{"data_dir": dataDir})
	} else {
		logging.Component("queue").Warn("No data directory configured, queue is memory-only")
	}
	return NewStore(NewMemoryBackend(), false)
}
