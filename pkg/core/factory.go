package core

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/oceanbase/profilestore-go/pkg/storage"
	"github.com/oceanbase/profilestore-go/pkg/storage/mysql"
	"github.com/oceanbase/profilestore-go/pkg/storage/postgres"
	"github.com/oceanbase/profilestore-go/pkg/storage/sqlite"
	"github.com/oceanbase/profilestore-go/pkg/storage/yamlfile"
)

// BackendFactory builds a new, uninitialized backend instance of a type.
//
// Every call returns an independent instance, so a migration never shares
// connections with the live storage service.
type BackendFactory func(t BackendType) (storage.Backend, error)

// NewBackendFactory returns a factory that builds backends from cfg.
func NewBackendFactory(cfg StorageConfig, logger logrus.FieldLogger) BackendFactory {
	return func(t BackendType) (storage.Backend, error) {
		return NewBackend(cfg, t, logger)
	}
}

// NewBackend builds an uninitialized backend of type t from cfg.
func NewBackend(cfg StorageConfig, t BackendType, logger logrus.FieldLogger) (storage.Backend, error) {
	if logger == nil {
		logger = discardLogger()
	}
	switch t {
	case BackendYAML:
		return yamlfile.NewClient(&yamlfile.Config{
			Directory: cfg.YAML.Directory,
		}, logger), nil
	case BackendSQLite:
		return sqlite.NewClient(&sqlite.Config{
			DBPath:    cfg.SQLite.Path,
			TableName: cfg.SQLite.Table,
		}, logger), nil
	case BackendMySQL:
		return mysql.NewClient(&mysql.Config{
			Host:      cfg.MySQL.Host,
			Port:      cfg.MySQL.Port,
			User:      cfg.MySQL.User,
			Password:  cfg.MySQL.Password,
			DBName:    cfg.MySQL.Database,
			TableName: cfg.MySQL.Table,
			Params:    cfg.MySQL.Params,
		}, logger), nil
	case BackendPostgres:
		return postgres.NewClient(&postgres.Config{
			Host:      cfg.Postgres.Host,
			Port:      cfg.Postgres.Port,
			User:      cfg.Postgres.User,
			Password:  cfg.Postgres.Password,
			DBName:    cfg.Postgres.Database,
			TableName: cfg.Postgres.Table,
			SSLMode:   cfg.Postgres.SSLMode,
		}, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, t)
	}
}
