package steps

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	errpkg "github.com/drblury/pipeflow/internal/runtime/errors"
	"github.com/drblury/pipeflow/internal/runtime/flow"
	"github.com/drblury/pipeflow/internal/runtime/message"
	"github.com/drblury/pipeflow/internal/runtime/session"
	"github.com/drblury/pipeflow/internal/runtime/statistics"
	"github.com/drblury/pipeflow/internal/runtime/txn"
	"github.com/drblury/pipeflow/internal/runtime/txn/sqltx"
)

// KeyRowsAffected is the session key under which SQLStep stores the row
// count of an exec statement.
const KeyRowsAffected = "rowsAffected"

// Param yields one statement argument.
type Param func(msg *message.Message, sess *session.Session) (any, error)

// FromPayload binds the content as a string.
func FromPayload() Param {
	return func(msg *message.Message, _ *session.Session) (any, error) {
		return msg.AsString()
	}
}

// FromSession binds the session value stored under key, nil when absent.
func FromSession(key string) Param {
	return func(_ *message.Message, sess *session.Session) (any, error) {
		if sess == nil {
			return nil, nil
		}
		v, _ := sess.Get(key)
		return v, nil
	}
}

// Value binds a constant.
func Value(v any) Param {
	return func(*message.Message, *session.Session) (any, error) { return v, nil }
}

// SQLStep runs one statement in the SQL transaction of the active unit of
// work. In exec mode the content passes through and the affected row count
// goes to the session; in query mode the rows become a JSON array of
// objects.
type SQLStep struct {
	Base
	query    string
	params   []Param
	rows     bool
	attrs    txn.Attributes
	baseOpts []Option

	statements *statistics.Keeper
}

// SQLOption customises a SQLStep.
type SQLOption func(*SQLStep)

// WithParams sets the statement arguments in order.
func WithParams(params ...Param) SQLOption {
	return func(s *SQLStep) { s.params = append(s.params, params...) }
}

// ReturningRows switches the step to query mode.
func ReturningRows() SQLOption {
	return func(s *SQLStep) { s.rows = true }
}

// WithSQLTransaction overrides the transaction attributes, which default to
// REQUIRED.
func WithSQLTransaction(attrs txn.Attributes) SQLOption {
	return func(s *SQLStep) { s.attrs = attrs }
}

// WithSQLStepOptions applies the shared step options.
func WithSQLStepOptions(opts ...Option) SQLOption {
	return func(s *SQLStep) { s.baseOpts = append(s.baseOpts, opts...) }
}

// SQL builds a SQLStep.
func SQL(name, query string, opts ...SQLOption) *SQLStep {
	s := &SQLStep{
		query:      query,
		attrs:      txn.Attributes{Propagation: txn.Required},
		statements: statistics.NewKeeper("statements"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Base = newBase(name, s.baseOpts)
	return s
}

// TransactionAttributes implements txn.Transactional.
func (s *SQLStep) TransactionAttributes() txn.Attributes { return s.attrs }

func (s *SQLStep) Configure(ctx context.Context) error {
	if err := s.Base.Configure(ctx); err != nil {
		return err
	}
	if s.query == "" {
		return errpkg.ErrQueryRequired
	}
	return nil
}

func (s *SQLStep) Invoke(ctx context.Context, msg *message.Message, sess *session.Session) (flow.StepResult, error) {
	tx, err := sqltx.MustTx(ctx)
	if err != nil {
		return flow.StepResult{}, err
	}
	args := make([]any, 0, len(s.params))
	for i, p := range s.params {
		v, err := p(msg, sess)
		if err != nil {
			return s.fail(fmt.Errorf("bind %s argument %d: %w", s.Name(), i+1, err))
		}
		args = append(args, v)
	}

	start := time.Now()
	defer func() { s.statements.RecordDuration(time.Since(start)) }()
	if s.rows {
		payload, err := queryJSON(ctx, tx, s.query, args)
		if err != nil {
			return s.fail(err)
		}
		return flow.Success(msg.WithPayload(payload)), nil
	}
	res, err := tx.ExecContext(ctx, s.query, args...)
	if err != nil {
		return s.fail(fmt.Errorf("exec %s: %w", s.Name(), err))
	}
	if n, err := res.RowsAffected(); err == nil && sess != nil {
		sess.Put(KeyRowsAffected, n)
	}
	return flow.Success(msg), nil
}

// IterateStatistics reports statement durations.
func (s *SQLStep) IterateStatistics(h statistics.Handler, action statistics.Action) error {
	return statistics.Visit(h, s.statements, action)
}

func queryJSON(ctx context.Context, tx *sql.Tx, query string, args []any) ([]byte, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sonic.Marshal(out)
}
