// Package pgtest boots a shared throwaway Postgres for integration tests
// and applies the catalog schema, plus any test-supplied migrations.
package pgtest

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/tviewdb/pgtview/pkg/catalog"
)

type config struct {
	image    string
	dbName   string
	user     string
	password string
	extraFS  fs.FS
}

type Option func(*config)

func WithImage(i string) Option    { return func(c *config) { c.image = i } }
func WithDBName(n string) Option   { return func(c *config) { c.dbName = n } }
func WithUser(u string) Option     { return func(c *config) { c.user = u } }
func WithPassword(p string) Option { return func(c *config) { c.password = p } }

// WithFixtures applies a test-owned goose migration dir after the catalog
// schema, for base tables and seed data.
func WithFixtures(migFS fs.FS) Option {
	return func(c *config) { c.extraFS = migFS }
}

var (
	once       sync.Once
	pg         *postgres.PostgresContainer
	mu         sync.Mutex
	connString string
)

// Boot starts (once per process) a Postgres container with prepared
// transactions enabled, applies the catalog migrations, and returns the
// connection string.
func Boot(ctx context.Context, opts ...Option) (string, error) {
	c := &config{}
	for _, opt := range opts {
		opt(c)
	}
	var onceErr error
	once.Do(func() {
		if c.image == "" {
			c.image = "docker.io/postgres:16-alpine"
		}
		if c.dbName == "" {
			c.dbName = "app"
		}
		if c.user == "" {
			c.user = "postgres"
		}
		if c.password == "" {
			c.password = "pass"
		}

		container, err := postgres.Run(ctx,
			c.image,
			postgres.WithDatabase(c.dbName),
			postgres.WithUsername(c.user),
			postgres.WithPassword(c.password),
			postgres.BasicWaitStrategies(),
			// two-phase commit tests need prepared transactions enabled
			testcontainers.WithCmdArgs("-c", "max_prepared_transactions=16"),
		)
		if err != nil {
			onceErr = err
			return
		}
		pg = container

		host, _ := container.Host(ctx)
		port, _ := container.MappedPort(ctx, "5432/tcp")
		connString = fmt.Sprintf(
			"postgres://%s:%s@%s:%s/%s?sslmode=disable",
			c.user, c.password, host, port.Port(), c.dbName,
		)

		db, err := sql.Open("pgx", connString)
		if err != nil {
			onceErr = err
			return
		}
		defer db.Close()

		if err := catalog.MigrateUp(db); err != nil {
			onceErr = err
			return
		}
		if c.extraFS != nil {
			goose.SetBaseFS(c.extraFS)
			if err := goose.SetDialect("postgres"); err != nil {
				onceErr = err
				return
			}
			goose.SetTableName("goose_fixtures_version")
			if err := goose.Up(db, "."); err != nil {
				onceErr = err
				return
			}
		}
	})
	if onceErr != nil {
		return "", onceErr
	}
	return connString, nil
}

func ShutdownNow() error {
	mu.Lock()
	defer mu.Unlock()
	if pg == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return pg.Terminate(ctx)
}
