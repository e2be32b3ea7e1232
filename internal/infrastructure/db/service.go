package db

import (
	"fmt"
	"path/filepath"

	"github.com/ark-network/escrowd/internal/core/domain"
	"github.com/ark-network/escrowd/internal/core/ports"
	badgerdb "github.com/ark-network/escrowd/internal/infrastructure/db/badger"
	sqlitedb "github.com/ark-network/escrowd/internal/infrastructure/db/sqlite"
)

var (
	transferStoreTypes = map[string]func(...interface{}) (domain.TransferRepository, error){
		"badger": badgerdb.NewTransferRepository,
		"sqlite": sqlitedb.NewTransferRepository,
	}
	messageStoreTypes = map[string]func(...interface{}) (domain.MessageRepository, error){
		"badger": badgerdb.NewMessageRepository,
		"sqlite": sqlitedb.NewMessageRepository,
	}
)

const (
	sqliteDbFile = "sqlite.db"
)

type ServiceConfig struct {
	DataStoreType   string
	DataStoreConfig []interface{}
}

type service struct {
	transferStore domain.TransferRepository
	messageStore  domain.MessageRepository
}

func NewService(config ServiceConfig) (ports.RepoManager, error) {
	transferStoreFactory, ok := transferStoreTypes[config.DataStoreType]
	if !ok {
		return nil, fmt.Errorf("invalid data store type: %s", config.DataStoreType)
	}
	messageStoreFactory := messageStoreTypes[config.DataStoreType]

	storeConfig := config.DataStoreConfig
	if config.DataStoreType == "sqlite" {
		dbConfig, err := openSqlite(config.DataStoreConfig)
		if err != nil {
			return nil, err
		}
		storeConfig = dbConfig
	}

	transferStore, err := transferStoreFactory(storeConfig...)
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer store: %w", err)
	}

	messageStore, err := messageStoreFactory(storeConfig...)
	if err != nil {
		transferStore.Close()
		return nil, fmt.Errorf("failed to create message store: %w", err)
	}

	return &service{transferStore, messageStore}, nil
}

func (s *service) Transfers() domain.TransferRepository {
	return s.transferStore
}

func (s *service) Messages() domain.MessageRepository {
	return s.messageStore
}

func (s *service) Close() {
	s.transferStore.Close()
	s.messageStore.Close()
}

// openSqlite turns the configured datadir into a migrated db handle.
func openSqlite(config []interface{}) ([]interface{}, error) {
	if len(config) != 1 {
		return nil, fmt.Errorf("invalid config")
	}
	baseDir, ok := config[0].(string)
	if !ok {
		return nil, fmt.Errorf("invalid base directory")
	}

	dbPath := ":memory:"
	if len(baseDir) > 0 {
		dbPath = filepath.Join(baseDir, sqliteDbFile)
	}
	db, err := sqlitedb.OpenDb(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if err := sqlitedb.MigrateDb(db); err != nil {
		return nil, fmt.Errorf("failed to migrate sqlite: %w", err)
	}
	return []interface{}{db}, nil
}
