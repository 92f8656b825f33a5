package placement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "github.com/lib/pq"              // registers "postgres"
	_ "github.com/mattn/go-sqlite3"    // registers "sqlite3"

	"github.com/fluxorio/replstream/pkg/model"
)

// SQLConfig configures the connection pool behind a SQLStore.
type SQLConfig struct {
	// Driver is one of "pgx", "postgres" or "sqlite3".
	Driver string `yaml:"driver" json:"driver"`

	// DSN is the driver specific connection string.
	DSN string `yaml:"dsn" json:"dsn"`

	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

// DefaultSQLConfig returns pool defaults for driver and dsn.
func DefaultSQLConfig(driver, dsn string) SQLConfig {
	return SQLConfig{
		Driver:          driver,
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

// SQLError reports an invalid SQLStore configuration or state.
type SQLError struct {
	Code    string
	Message string
}

func (e *SQLError) Error() string {
	return e.Message
}

func (c SQLConfig) validate() error {
	switch {
	case c.DSN == "":
		return &SQLError{Code: "INVALID_CONFIG", Message: "DSN cannot be empty"}
	case c.Driver != "pgx" && c.Driver != "postgres" && c.Driver != "sqlite3":
		return &SQLError{Code: "INVALID_CONFIG", Message: fmt.Sprintf("unsupported driver %q", c.Driver)}
	case c.MaxOpenConns <= 0:
		return &SQLError{Code: "INVALID_CONFIG", Message: "MaxOpenConns must be positive"}
	case c.MaxIdleConns < 0:
		return &SQLError{Code: "INVALID_CONFIG", Message: "MaxIdleConns cannot be negative"}
	case c.MaxIdleConns > c.MaxOpenConns:
		return &SQLError{Code: "INVALID_CONFIG", Message: "MaxIdleConns cannot exceed MaxOpenConns"}
	case c.ConnMaxLifetime < 0 || c.ConnMaxIdleTime < 0:
		return &SQLError{Code: "INVALID_CONFIG", Message: "connection timeouts cannot be negative"}
	}
	return nil
}

const schema = `CREATE TABLE IF NOT EXISTS stream_ranges (
	stream_id    BIGINT  NOT NULL,
	range_index  INTEGER NOT NULL,
	epoch        BIGINT  NOT NULL,
	start_offset BIGINT  NOT NULL,
	end_offset   BIGINT,
	node         TEXT    NOT NULL DEFAULT '',
	PRIMARY KEY (stream_id, range_index)
)`

// SQLStore keeps range metadata in a relational database.
type SQLStore struct {
	db     *sql.DB
	config SQLConfig
	node   string
	dollar bool
}

// OpenSQLStore opens the pool, verifies the connection and creates the schema.
func OpenSQLStore(ctx context.Context, cfg SQLConfig, node string) (*SQLStore, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate placement schema: %w", err)
	}

	return &SQLStore{
		db:     db,
		config: cfg,
		node:   node,
		dollar: cfg.Driver != "sqlite3",
	}, nil
}

// Close closes the pool.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return &SQLError{Code: "INVALID_STATE", Message: "store not initialized"}
	}
	return s.db.Close()
}

// Stats returns pool statistics.
func (s *SQLStore) Stats() sql.DBStats {
	return s.db.Stats()
}

// rebind turns '?' placeholders into '$n' for postgres drivers.
func (s *SQLStore) rebind(query string) string {
	if !s.dollar {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func (s *SQLStore) list(ctx context.Context, q querier, streamID int64) ([]model.RangeMetadata, error) {
	rows, err := q.QueryContext(ctx, s.rebind(
		`SELECT range_index, epoch, start_offset, end_offset, node FROM stream_ranges WHERE stream_id = ? ORDER BY range_index`),
		streamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RangeMetadata
	for rows.Next() {
		var (
			meta  = model.RangeMetadata{StreamID: streamID}
			epoch int64
			start int64
			end   sql.NullInt64
		)
		if err := rows.Scan(&meta.Index, &epoch, &start, &end, &meta.Node); err != nil {
			return nil, err
		}
		meta.Epoch = uint64(epoch)
		meta.Start = uint64(start)
		if end.Valid {
			meta = meta.WithEnd(uint64(end.Int64))
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListRanges(ctx context.Context, streamID int64) ([]model.RangeMetadata, error) {
	return s.list(ctx, s.db, streamID)
}

func (s *SQLStore) CreateRange(ctx context.Context, streamID int64, epoch uint64, index int32, start uint64) (model.RangeMetadata, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.RangeMetadata{}, err
	}
	defer tx.Rollback()

	existing, err := s.list(ctx, tx, streamID)
	if err != nil {
		return model.RangeMetadata{}, err
	}
	if err := validateCreate(existing, index, start); err != nil {
		return model.RangeMetadata{}, err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO stream_ranges (stream_id, range_index, epoch, start_offset, node) VALUES (?, ?, ?, ?, ?)`),
		streamID, index, int64(epoch), int64(start), s.node); err != nil {
		return model.RangeMetadata{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.RangeMetadata{}, err
	}
	return model.RangeMetadata{StreamID: streamID, Epoch: epoch, Index: index, Start: start, Node: s.node}, nil
}

func (s *SQLStore) SealRange(ctx context.Context, meta model.RangeMetadata) (model.RangeMetadata, error) {
	if meta.End == nil {
		return model.RangeMetadata{}, ErrConflict
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.RangeMetadata{}, err
	}
	defer tx.Rollback()

	var (
		epoch, start int64
		end          sql.NullInt64
		node         string
	)
	err = tx.QueryRowContext(ctx, s.rebind(
		`SELECT epoch, start_offset, end_offset, node FROM stream_ranges WHERE stream_id = ? AND range_index = ?`),
		meta.StreamID, meta.Index).Scan(&epoch, &start, &end, &node)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RangeMetadata{}, ErrRangeNotFound
	}
	if err != nil {
		return model.RangeMetadata{}, err
	}

	stored := model.RangeMetadata{
		StreamID: meta.StreamID,
		Epoch:    uint64(epoch),
		Index:    meta.Index,
		Start:    uint64(start),
		Node:     node,
	}
	if end.Valid {
		if uint64(end.Int64) != *meta.End {
			return model.RangeMetadata{}, ErrConflict
		}
		return stored.WithEnd(uint64(end.Int64)), nil
	}

	if _, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE stream_ranges SET end_offset = ? WHERE stream_id = ? AND range_index = ?`),
		int64(*meta.End), meta.StreamID, meta.Index); err != nil {
		return model.RangeMetadata{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.RangeMetadata{}, err
	}
	return stored.WithEnd(*meta.End), nil
}
