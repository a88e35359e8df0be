package core

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/putto11262002/chatsync/migrations"
)

type SQLiteDBOption struct {
	// mode can be ro | rw | rwc | memory
	Mode string
	// cache can be shared | private
	Cache string
	// JournalMode be DELETE | TRUNCATE | PERSIST | MEMORY | WAL | OFF
	JournalMode string
	// ForeignKeys enables foreign key enforcement on every connection.
	ForeignKeys bool
}

func (config *SQLiteDBOption) DSN(sb *strings.Builder) {
	if config == nil {
		return
	}

	sep := "?"
	param := func(key, value string) {
		sb.WriteString(sep)
		sb.WriteString(key)
		sb.WriteString("=")
		sb.WriteString(value)
		sep = "&"
	}

	if config.Mode != "" {
		param("mode", config.Mode)
	}
	if config.Cache != "" {
		param("cache", config.Cache)
	}
	if config.JournalMode != "" {
		param("_journal_mode", config.JournalMode)
	}
	if config.ForeignKeys {
		param("_foreign_keys", "on")
	}
}

type SQLiteDB struct {
	*sql.DB
	config *SQLiteDBOption
	file   string
}

func NewSQLiteDB(file string, config *SQLiteDBOption) (*SQLiteDB, error) {
	db := &SQLiteDB{config: config, file: file}

	var dsn strings.Builder
	dsn.WriteString("file:")
	dsn.WriteString(db.file)
	config.DSN(&dsn)

	d, err := sql.Open("sqlite3", dsn.String())
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer, queueing in the pool avoids SQLITE_BUSY under concurrent commands
	d.SetMaxOpenConns(1)

	db.DB = d
	return db, nil
}

func (db *SQLiteDB) Migrate() error {
	return Migrate(db.DB, "sqlite3")
}

// Migrate applies the embedded migrations of dialect, which is sqlite3 or postgres.
func Migrate(db *sql.DB, dialect string) error {
	var (
		fsys fs.FS
		dir  string
	)
	switch dialect {
	case "sqlite3":
		fsys, dir = migrations.SQLite, "sqlite"
	case "postgres":
		fsys, dir = migrations.Postgres, "postgres"
	default:
		return fmt.Errorf("unsupported dialect %q", dialect)
	}

	goose.SetBaseFS(fsys)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}
	if err := goose.Up(db, dir); err != nil {
		return err
	}
	return nil
}

// OpenPostgres connects a pool to url and checks that the server answers.
func OpenPostgres(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("Ping: %w", err)
	}
	return pool, nil
}

// MigratePostgres applies the postgres migrations through the pool.
func MigratePostgres(pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	return Migrate(db, "postgres")
}
