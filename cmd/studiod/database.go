package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/studio/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/studio/internal/store/mongostore"
	"github.com/MarkoPoloResearchLab/studio/pkg/conversation"
	"github.com/MarkoPoloResearchLab/studio/pkg/generation"
	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
	"github.com/MarkoPoloResearchLab/studio/pkg/order"
)

const (
	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
	driverMySQL    = "mysql"
	driverMongo    = "mongodb"

	mongoConnectTimeout = 10 * time.Second
)

// storage is what every backend provides to the services.
type storage interface {
	ledger.Store
	generation.Store
	conversation.Store
	order.Store
}

// openStorage connects to the backend named by dsn, prepares its schema and
// returns it with a cleanup func and the resolved driver name.
func openStorage(ctx context.Context, dsn string, mongoDatabase string) (storage, func() error, string, error) {
	driver, target, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}
	if driver == driverMongo {
		store, cleanup, err := openMongo(ctx, target, mongoDatabase)
		return store, cleanup, driver, err
	}
	db, cleanup, err := openDatabase(ctx, driver, target)
	if err != nil {
		return nil, nil, "", err
	}
	if err := gormstore.Migrate(ctx, db); err != nil {
		_ = cleanup()
		return nil, nil, "", fmt.Errorf("migrate: %w", err)
	}
	return gormstore.New(db), cleanup, driver, nil
}

func openDatabase(ctx context.Context, driver string, target string) (*gorm.DB, func() error, error) {
	var (
		db  *gorm.DB
		err error
	)
	cfg := &gorm.Config{}
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(target), cfg)
	case driverMySQL:
		db, err = gorm.Open(mysql.Open(target), cfg)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(target), cfg)
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	if driver == driverSQLite {
		// SQLite serialises writers; one connection avoids "database is locked".
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
}

func openMongo(ctx context.Context, uri string, database string) (*mongostore.Store, func() error, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("mongo connect: %w", err)
	}
	cleanup := func() error {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
		defer cancel()
		return client.Disconnect(disconnectCtx)
	}
	pingCtx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = cleanup()
		return nil, nil, fmt.Errorf("mongo ping: %w", err)
	}
	store := mongostore.New(client.Database(database))
	if err := store.Migrate(ctx); err != nil {
		_ = cleanup()
		return nil, nil, err
	}
	return store, cleanup, nil
}

// resolveDriver maps a connection string to a driver name and the target the
// driver expects.
func resolveDriver(dsn string) (string, string, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		return driverPostgres, dsn, nil
	case strings.HasPrefix(dsn, "mongodb://") || strings.HasPrefix(dsn, "mongodb+srv://"):
		return driverMongo, dsn, nil
	case strings.HasPrefix(dsn, "mysql://"):
		target, err := mysqlDSN(strings.TrimPrefix(dsn, "mysql://"))
		return driverMySQL, target, err
	case strings.HasPrefix(dsn, "sqlite://"):
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "studio.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

// mysqlDSN validates a go-sql-driver DSN and forces UTC time parsing, which
// the stores rely on for timestamps.
func mysqlDSN(raw string) (string, error) {
	parsed, err := mysqlDriver.ParseDSN(raw)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	parsed.ParseTime = true
	parsed.Loc = time.UTC
	return parsed.FormatDSN(), nil
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
