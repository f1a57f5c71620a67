package postgresql

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/manifest-network/aptfeed/internal/models"
	"github.com/manifest-network/aptfeed/internal/output"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	insertBlockQuery = `INSERT INTO blocks (height, hash, first_version, last_version, timestamp_micros, data)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (height) DO NOTHING`

	insertTransactionQuery = `INSERT INTO transactions (version, hash, type, timestamp_micros, data)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (version) DO NOTHING`

	latestBlockQuery = `SELECT data FROM blocks ORDER BY height DESC LIMIT 1`

	missingBlocksQuery = `SELECT s.height
FROM generate_series((SELECT MIN(height) FROM blocks), (SELECT MAX(height) FROM blocks)) AS s(height)
LEFT JOIN blocks b ON b.height = s.height
WHERE b.height IS NULL
ORDER BY s.height`
)

var _ output.OutputHandler = (*PostgresOutputHandler)(nil)

// PostgresOutputHandler archives reconciled blocks and transactions in PostgreSQL.
// Writes are idempotent: existing heights and versions are left untouched.
type PostgresOutputHandler struct {
	db *sql.DB
}

// NewPostgresOutputHandler connects to dsn and applies pending migrations.
func NewPostgresOutputHandler(ctx context.Context, dsn string) (*PostgresOutputHandler, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewWithDB(db), nil
}

// NewWithDB wraps an already open database without running migrations.
func NewWithDB(db *sql.DB) *PostgresOutputHandler {
	return &PostgresOutputHandler{db: db}
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	slog.Info("Database schema is up to date")
	return nil
}

func (h *PostgresOutputHandler) WriteBlocks(ctx context.Context, blocks []models.Block) error {
	if len(blocks) == 0 {
		return nil
	}
	return h.inTx(ctx, func(tx *sql.Tx) error {
		for _, b := range blocks {
			data, err := json.Marshal(b)
			if err != nil {
				return fmt.Errorf("failed to marshal block %d: %w", b.Height, err)
			}
			if _, err := tx.ExecContext(ctx, insertBlockQuery,
				int64(b.Height), b.Hash, int64(b.FirstVersion), int64(b.LastVersion), int64(b.TimestampMicros), data,
			); err != nil {
				return fmt.Errorf("failed to insert block %d: %w", b.Height, err)
			}
		}
		return nil
	})
}

func (h *PostgresOutputHandler) WriteTransactions(ctx context.Context, transactions []models.Transaction) error {
	committed := make([]models.Transaction, 0, len(transactions))
	for _, t := range transactions {
		if t.Version == nil {
			continue
		}
		committed = append(committed, t)
	}
	if len(committed) == 0 {
		return nil
	}
	return h.inTx(ctx, func(tx *sql.Tx) error {
		for _, t := range committed {
			data, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("failed to marshal transaction %d: %w", *t.Version, err)
			}
			if _, err := tx.ExecContext(ctx, insertTransactionQuery,
				int64(*t.Version), t.Hash, t.Type, int64(t.TimestampMicros), data,
			); err != nil {
				return fmt.Errorf("failed to insert transaction %d: %w", *t.Version, err)
			}
		}
		return nil
	})
}

func (h *PostgresOutputHandler) GetLatestBlock(ctx context.Context) (*models.Block, error) {
	return h.queryBlock(ctx, latestBlockQuery)
}

func (h *PostgresOutputHandler) GetMissingBlockIds(ctx context.Context) ([]uint64, error) {
	rows, err := h.db.QueryContext(ctx, missingBlocksQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query missing blocks: %w", err)
	}
	defer rows.Close()

	var missing []uint64
	for rows.Next() {
		var height int64
		if err := rows.Scan(&height); err != nil {
			return nil, fmt.Errorf("failed to scan missing block: %w", err)
		}
		missing = append(missing, uint64(height))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate missing blocks: %w", err)
	}
	return missing, nil
}

func (h *PostgresOutputHandler) Close() error {
	return h.db.Close()
}

// queryBlock returns nil, nil when the table is empty.
func (h *PostgresOutputHandler) queryBlock(ctx context.Context, query string) (*models.Block, error) {
	var data []byte
	err := h.db.QueryRowContext(ctx, query).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query block: %w", err)
	}

	var block models.Block
	if err := json.Unmarshal(data, &block); err != nil {
		return nil, fmt.Errorf("failed to unmarshal block: %w", err)
	}
	return &block, nil
}

func (h *PostgresOutputHandler) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
