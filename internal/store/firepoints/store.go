package firepoints

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"firepoints/internal/detection/models"
	"firepoints/internal/platform/postgres"
	txcontext "firepoints/pkg/platform/tx"
)

const (
	// DefaultTable is the destination table.
	DefaultTable = "fire_points"
	// DefaultBatchSize is the number of rows per INSERT statement.
	DefaultBatchSize = 100
)

const pgUndefinedTable = "42P01"

// LoadError reports a failed clear or insert. Batch is the zero-based batch
// index for inserts.
type LoadError struct {
	Op    string
	Batch int
	Err   error
}

func (e *LoadError) Error() string {
	if e.Op == "insert" {
		return fmt.Sprintf("load fire points: insert batch %d: %v", e.Batch, e.Err)
	}
	return fmt.Sprintf("load fire points: %s: %v", e.Op, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Store replaces the contents of the fire points table.
type Store struct {
	db        *sql.DB
	table     string
	batchSize int
	logger    *slog.Logger
}

type Option func(*Store)

// WithTable sets the destination table. A dotted name is treated as
// schema.table; each part is quoted.
func WithTable(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.table = quoteQualified(name)
		}
	}
}

// WithBatchSize sets the rows per INSERT statement, capped at
// models.MaxBatchSize.
func WithBatchSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.batchSize = min(n, models.MaxBatchSize)
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New wraps an open pool. Close releases it.
func New(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	s := &Store{
		db:        db,
		table:     quoteQualified(DefaultTable),
		batchSize: DefaultBatchSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunInTx runs fn inside one transaction. Clear and Insert called with the
// context passed to fn join that transaction. The transaction commits only
// if fn returns nil.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &LoadError{Op: "begin", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(txcontext.WithTx(ctx, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return &LoadError{Op: "commit", Err: err}
	}
	return nil
}

// Clear removes every row and resets the identity sequence.
func (s *Store) Clear(ctx context.Context) error {
	_, err := txcontext.ExecerFrom(ctx, s.db).ExecContext(ctx, "TRUNCATE TABLE "+s.table+" RESTART IDENTITY")
	if err != nil {
		return &LoadError{Op: "truncate", Err: s.annotate(err)}
	}
	return nil
}

// Insert writes records in batches of at most batchSize rows, one multi-row
// INSERT per batch with bound parameters. The first failing batch aborts the
// rest. It returns the number of rows written.
func (s *Store) Insert(ctx context.Context, records []models.EnrichedDetection) (int, error) {
	exec := txcontext.ExecerFrom(ctx, s.db)
	written := 0
	for batch, lo := 0, 0; lo < len(records); batch, lo = batch+1, lo+s.batchSize {
		hi := min(lo+s.batchSize, len(records))
		query, args := s.insertStatement(records[lo:hi])
		if _, err := exec.ExecContext(ctx, query, args...); err != nil {
			return written, &LoadError{Op: "insert", Batch: batch, Err: s.annotate(err)}
		}
		written += hi - lo
	}
	s.logger.Debug("fire points inserted",
		"table", s.table,
		"rows", written,
		"batch_size", s.batchSize,
	)
	return written, nil
}

// Replace clears the table and inserts records in one transaction.
func (s *Store) Replace(ctx context.Context, records []models.EnrichedDetection) (int, error) {
	var written int
	err := s.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.Clear(ctx); err != nil {
			return err
		}
		n, err := s.Insert(ctx, records)
		written = n
		return err
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// Count returns the number of rows in the table.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM "+s.table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count fire points: %w", err)
	}
	return n, nil
}

// EnsureSchema creates the table when it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(schemaDDL, s.table)); err != nil {
		return fmt.Errorf("ensure fire points schema: %w", err)
	}
	return nil
}

func (s *Store) insertStatement(batch []models.EnrichedDetection) (string, []any) {
	cols := len(models.EnrichedColumns)

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(s.table)
	b.WriteString(" (")
	b.WriteString(strings.Join(models.EnrichedColumns, ", "))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(batch)*cols)
	for i, r := range batch {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(")
		for c := 0; c < cols; c++ {
			if c > 0 {
				b.WriteString(",")
			}
			b.WriteString("$")
			b.WriteString(strconv.Itoa(len(args) + c + 1))
		}
		b.WriteString(")")

		var ndvi any
		if r.HasNDVI() {
			ndvi = *r.NDVI
		}
		args = append(args,
			r.Latitude,
			r.Longitude,
			r.BrightTI4,
			r.Scan,
			r.Track,
			r.AcqDate,
			r.AcqTime,
			r.Satellite,
			r.Confidence,
			r.Version,
			r.BrightTI5,
			r.FRP,
			r.DayNight,
			ndvi,
		)
	}
	return b.String(), args
}

// annotate adds a hint for the one failure operators hit on a fresh database.
func (s *Store) annotate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable {
		return fmt.Errorf("table %s does not exist (set FIREPOINTS_AUTO_MIGRATE=true to create it): %w", s.table, err)
	}
	return err
}

func quoteQualified(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}

// Opener opens a fresh pool per refresh run.
type Opener struct {
	dsn      string
	maxConns int
	opts     []Option
}

func NewOpener(dsn string, maxConns int, opts ...Option) *Opener {
	return &Opener{dsn: dsn, maxConns: maxConns, opts: opts}
}

// Open connects and returns a Store owning the new pool.
func (o *Opener) Open(ctx context.Context) (*Store, error) {
	db, err := postgres.Open(ctx, o.dsn, o.maxConns)
	if err != nil {
		return nil, err
	}
	return New(db, o.opts...)
}
