// Package sqltx maps units of work onto database/sql transactions.
package sqltx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/drblury/pipeflow/internal/runtime/txn"
)

// Driver names registered by this package.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// ErrNoTransaction is returned by MustTx when the context carries no SQL
// unit of work.
var ErrNoTransaction = errors.New("pipeflow: no active sql transaction")

// Open opens and pings a database.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	if driver == "" {
		return nil, errors.New("pipeflow: sql driver is required")
	}
	if dsn == "" {
		return nil, errors.New("pipeflow: sql dsn is required")
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("pipeflow: open %s database: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pipeflow: ping %s database: %w", driver, err)
	}
	return db, nil
}

// Manager begins one *sql.Tx per unit of work. A unit's timeout bounds the
// transaction context; when it expires database/sql rolls the transaction
// back.
type Manager struct {
	db             *sql.DB
	opts           *sql.TxOptions
	defaultTimeout time.Duration
}

// Option customises a Manager.
type Option func(*Manager)

// WithTxOptions sets isolation level and read-only flag.
func WithTxOptions(opts *sql.TxOptions) Option {
	return func(m *Manager) { m.opts = opts }
}

// WithDefaultTimeout applies to units begun without a timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(m *Manager) { m.defaultTimeout = d }
}

// NewManager wraps db.
func NewManager(db *sql.DB, opts ...Option) *Manager {
	m := &Manager{db: db}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DB returns the underlying pool.
func (m *Manager) DB() *sql.DB { return m.db }

type handle struct {
	tx     *sql.Tx
	cancel context.CancelFunc
}

// Begin implements txn.Manager.
func (m *Manager) Begin(ctx context.Context, timeout time.Duration) (*txn.Unit, error) {
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	base := context.WithoutCancel(ctx)
	var (
		txCtx  context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		txCtx, cancel = context.WithTimeout(base, timeout)
	} else {
		txCtx, cancel = context.WithCancel(base)
	}
	tx, err := m.db.BeginTx(txCtx, m.opts)
	if err != nil {
		cancel()
		return nil, err
	}
	return txn.NewUnit(&handle{tx: tx, cancel: cancel}, timeout), nil
}

// Commit implements txn.Manager.
func (m *Manager) Commit(_ context.Context, u *txn.Unit) error {
	h, err := unitHandle(u)
	if err != nil {
		return err
	}
	if err := u.Complete(); err != nil {
		return err
	}
	defer h.cancel()
	return h.tx.Commit()
}

// Rollback implements txn.Manager.
func (m *Manager) Rollback(_ context.Context, u *txn.Unit) error {
	h, err := unitHandle(u)
	if err != nil {
		return err
	}
	if err := u.Complete(); err != nil {
		return err
	}
	defer h.cancel()
	if err := h.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// Tx returns the SQL transaction of the unit carried by ctx.
func Tx(ctx context.Context) (*sql.Tx, bool) {
	u := txn.FromContext(ctx)
	if u == nil {
		return nil, false
	}
	h, ok := u.Handle().(*handle)
	if !ok {
		return nil, false
	}
	return h.tx, true
}

// MustTx is Tx returning ErrNoTransaction instead of false.
func MustTx(ctx context.Context) (*sql.Tx, error) {
	tx, ok := Tx(ctx)
	if !ok {
		return nil, ErrNoTransaction
	}
	return tx, nil
}

func unitHandle(u *txn.Unit) (*handle, error) {
	if u == nil {
		return nil, errors.New("pipeflow: nil unit of work")
	}
	h, ok := u.Handle().(*handle)
	if !ok {
		return nil, fmt.Errorf("pipeflow: unit of work %s was not started by the sql manager", u.ID())
	}
	return h, nil
}
