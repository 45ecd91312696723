// Package db is the SurrealDB backend: the networked ledger store and the
// chunk vector store, over an auto-reconnecting websocket connection.
package db

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/contrib/rews"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/connection/gorillaws"
	"github.com/surrealdb/surrealdb.go/pkg/logger"
	"github.com/surrealdb/surrealdb.go/surrealcbor"
)

const (
	dialTimeout      = 5 * time.Second
	reconnectInitial = time.Second
	reconnectMax     = 30 * time.Second
	reconnectRetries = 10

	// AuthDatabase signs in as a database user; anything else is a root user.
	AuthDatabase = "database"
)

func init() {
	// WSS upgrades fail when ALPN negotiates HTTP/2.
	gorillaws.DefaultDialer.TLSClientConfig = &tls.Config{
		NextProtos: []string{"http/1.1"},
	}
}

// Config locates the namespace and database holding the ledger.
type Config struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
	AuthLevel string
}

// Client implements ledger.Store and the chunk store on one SurrealDB
// connection. Workers share it; every ledger write is a single conditional
// statement so no client-side locking is needed.
type Client struct {
	conn   *rews.Connection[*gorillaws.Connection]
	db     *surrealdb.DB
	logger logger.Logger
}

// NewClient connects, signs in and selects the ledger database. The
// connection redials with exponential backoff when the server drops it.
func NewClient(ctx context.Context, cfg Config, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	sdkLogger := logger.New(log.Handler())

	conn := dial(cfg.URL, sdkLogger)
	sdkLogger.Info("connecting to ledger database", "url", cfg.URL, "namespace", cfg.Namespace, "database", cfg.Database)
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	db, err := surrealdb.FromConnection(ctx, conn)
	if err == nil {
		err = signIn(ctx, db, cfg)
	}
	if err == nil {
		if err = db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
			err = fmt.Errorf("use %s/%s: %w", cfg.Namespace, cfg.Database, err)
		}
	}
	if err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}

	return &Client{conn: conn, db: db, logger: sdkLogger}, nil
}

// dial builds the reconnecting websocket. gorillaws appends /rpc itself.
func dial(rawURL string, log logger.Logger) *rews.Connection[*gorillaws.Connection] {
	codec := surrealcbor.New()
	baseURL := strings.TrimSuffix(rawURL, "/rpc")

	conn := rews.New(
		func(context.Context) (*gorillaws.Connection, error) {
			return gorillaws.New(&connection.Config{
				BaseURL:     baseURL,
				Marshaler:   codec,
				Unmarshaler: codec,
				Logger:      log,
			}), nil
		},
		dialTimeout,
		codec,
		log,
	)

	retryer := rews.NewExponentialBackoffRetryer()
	retryer.InitialDelay = reconnectInitial
	retryer.MaxDelay = reconnectMax
	retryer.Multiplier = 2.0
	retryer.MaxRetries = reconnectRetries
	conn.Retryer = retryer
	return conn
}

func signIn(ctx context.Context, db *surrealdb.DB, cfg Config) error {
	auth := surrealdb.Auth{Username: cfg.Username, Password: cfg.Password}
	if cfg.AuthLevel == AuthDatabase {
		auth.Namespace = cfg.Namespace
		auth.Database = cfg.Database
	}
	if _, err := db.SignIn(ctx, auth); err != nil {
		return fmt.Errorf("sign in as %s (%s): %w", cfg.Username, authLevelName(cfg.AuthLevel), err)
	}
	return nil
}

func authLevelName(level string) string {
	if level == AuthDatabase {
		return AuthDatabase
	}
	return "root"
}

// Close drops the connection. In-flight queries fail.
func (c *Client) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

// InitSchema defines the ledger and chunk tables. dimension sizes the chunk
// embedding index and must match the embedder.
func (c *Client) InitSchema(ctx context.Context, dimension int) error {
	if _, err := surrealdb.Query[any](ctx, c.db, schemaSQL(dimension), nil); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	c.logger.Info("ledger schema ready", "dimension", dimension)
	return nil
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := surrealdb.Query[any](ctx, c.db, "RETURN true", nil); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// WipeData deletes every chunk and ledger entry, keeping the schema.
// Chunks go first so no chunk outlives its entry.
func (c *Client) WipeData(ctx context.Context) error {
	for _, table := range []string{chunkTable, entryTable} {
		if _, err := surrealdb.Query[any](ctx, c.db, "DELETE "+table, nil); err != nil {
			return fmt.Errorf("wipe %s: %w", table, err)
		}
	}
	c.logger.Warn("ledger database wiped")
	return nil
}
