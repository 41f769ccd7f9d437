package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/querymesh/querymesh/internal/query"
)

type Config struct {
	// InitStatements run once on every checked-out connection.
	InitStatements []string
	// ReadOnly runs each statement inside a READ ONLY transaction.
	ReadOnly bool
}

// ExtraFloatDigits returns the session statement that keeps full float
// precision through the driver.
func ExtraFloatDigits(digits int) string {
	return fmt.Sprintf("SET extra_float_digits = %d", digits)
}

type Connector struct {
	db  *sql.DB
	cfg Config
}

func NewConnector(db *sql.DB, cfg Config) *Connector {
	return &Connector{db: db, cfg: cfg}
}

func (c *Connector) Connect(ctx context.Context) (query.Session, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("checkout connection: %w", err)
	}
	for _, stmt := range c.cfg.InitStatements {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("initialise connection: %w", err)
		}
	}
	return &Session{conn: conn, readOnly: c.cfg.ReadOnly}, nil
}

type Session struct {
	conn     *sql.Conn
	readOnly bool
}

func (s *Session) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

func (s *Session) Close() error {
	return s.conn.Close()
}

func (s *Session) Execute(ctx context.Context, stmt query.Statement) (query.Result, error) {
	sqlText, err := query.CheckStatement(stmt.SQL)
	if err != nil {
		return query.Result{}, err
	}

	start := time.Now()
	if !s.readOnly {
		rows, err := s.conn.QueryContext(ctx, sqlText, stmt.Params...)
		if err != nil {
			return query.Result{}, fmt.Errorf("execute query: %w", err)
		}
		defer func() { _ = rows.Close() }()
		return collect(rows, start)
	}

	tx, err := s.conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return query.Result{}, fmt.Errorf("begin read-only transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, sqlText, stmt.Params...)
	if err != nil {
		return query.Result{}, fmt.Errorf("execute query: %w", err)
	}
	result, err := collect(rows, start)
	_ = rows.Close()
	if err != nil {
		return query.Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return query.Result{}, fmt.Errorf("commit read-only transaction: %w", err)
	}
	return result, nil
}

func collect(rows *sql.Rows, start time.Time) (query.Result, error) {
	columns, values, err := query.ScanRows(rows)
	if err != nil {
		return query.Result{}, err
	}
	return query.Result{Columns: columns, Rows: values, Duration: time.Since(start)}, nil
}
