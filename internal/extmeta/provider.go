package extmeta

import (
	"github.com/cmux/cmux/internal/common/config"
	"github.com/cmux/cmux/internal/common/keyedmutex"
	"github.com/cmux/cmux/internal/common/logger"
	"github.com/cmux/cmux/internal/common/paths"
)

// Provide builds the metadata store selected by configuration and a
// cleanup function releasing it.
func Provide(cfg config.MetadataConfig, root string, locks *keyedmutex.KeyedMutex, log *logger.Logger) (Store, func(), error) {
	switch cfg.Backend {
	case "sqlite":
		dbPath := cfg.SQLitePath
		if dbPath == "" {
			dbPath = paths.ExtensionMetadataDB(root)
		}
		store, err := NewSQLiteStore(dbPath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		store, err := NewFileStore(paths.ExtensionMetadataFile(root), locks, log)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
}
