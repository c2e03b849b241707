package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/errgroup"

	"tollgate.org/internal/query"
	"tollgate.org/internal/rbac"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

var errNoDB = errors.New("database connection unavailable")

// Store implements rbac.Repository and the auth user store on PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ rbac.Repository = (*Store)(nil)

// PoolConfig tunes database/sql pooling. Zero values keep the defaults.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func Open(dsn string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(orInt(pool.MaxOpenConns, 50))
	db.SetMaxIdleConns(orInt(pool.MaxIdleConns, 25))
	db.SetConnMaxLifetime(orDur(pool.ConnMaxLifetime, 15*time.Minute))
	db.SetConnMaxIdleTime(orDur(pool.ConnMaxIdleTime, 5*time.Minute))
	return &Store{db: db}, nil
}

// New wraps an existing handle; used by tests and by tools sharing a pool.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errNoDB
	}
	return s.db.PingContext(ctx)
}

// inTx runs fn inside one transaction and commits when fn returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// listSpec describes one paginated select.
type listSpec struct {
	schema   query.Schema
	from     string // e.g. "groups t" or a join
	columns  string // select list, qualified with the "t" alias
	base     []string
	baseArgs []any
}

// list runs the count and page queries concurrently and assembles a page.
func list[T any](ctx context.Context, db queryer, spec listSpec, desc query.Descriptor, scan func(rowScanner) (T, error)) (rbac.ListResult[T], error) {
	schema := spec.schema
	schema.Alias = "t"
	compiled, err := query.Compile(desc, schema, spec.base, spec.baseArgs...)
	if err != nil {
		return rbac.ListResult[T]{}, fmt.Errorf("%w: %v", rbac.ErrBadRequest, err)
	}

	var (
		total   int
		results = []T{}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		countSQL := strings.TrimSpace(fmt.Sprintf("select count(*) from %s %s", spec.from, compiled.Where))
		return db.QueryRowContext(gctx, countSQL, compiled.Args...).Scan(&total)
	})
	g.Go(func() error {
		limit, args := compiled.LimitClause()
		pageSQL := fmt.Sprintf("select %s from %s %s %s %s", spec.columns, spec.from, compiled.Where, compiled.OrderBy, limit)
		rows, err := db.QueryContext(gctx, pageSQL, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			item, err := scan(rows)
			if err != nil {
				return err
			}
			results = append(results, item)
		}
		return rows.Err()
	})
	if err := g.Wait(); err != nil {
		return rbac.ListResult[T]{}, err
	}
	return rbac.ListResult[T]{
		Results: results,
		Meta:    query.NewMeta(len(results), total, compiled.Limit, compiled.Offset),
	}, nil
}

// setter accumulates "col = $n" clauses for partial updates.
type setter struct {
	clauses []string
	args    []any
}

func (s *setter) add(col string, v any) {
	s.args = append(s.args, v)
	s.clauses = append(s.clauses, fmt.Sprintf("%s = $%d", col, len(s.args)))
}

// update renders "update table set ..., updated_at = now() where id = $n returning cols".
func (s *setter) update(table, id, returning string) (string, []any) {
	args := append(s.args, id)
	clauses := append(s.clauses, "updated_at = now()")
	return fmt.Sprintf("update %s set %s where id = $%d returning %s",
		table, strings.Join(clauses, ", "), len(args), returning), args
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// mapConstraint converts unique and foreign key violations to domain errors.
func mapConstraint(err error, conflict error) error {
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return fmt.Errorf("%w: %s", conflict, pgErr.ConstraintName)
		case pgErrForeignKeyViolation:
			return fmt.Errorf("%w: %s", rbac.ErrInvalidReference, pgErr.ConstraintName)
		}
	}
	return err
}

func encodeAttrs(a rbac.Attributes) ([]byte, error) {
	if len(a) == 0 {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal attributes: %w", err)
	}
	return b, nil
}

func decodeAttrs(raw []byte) (rbac.Attributes, error) {
	out := rbac.Attributes{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode attributes: %w", err)
	}
	return out, nil
}

// exists checks for a row by id, optionally locking it.
func exists(ctx context.Context, q queryer, table, id string, lock bool) (bool, error) {
	stmt := fmt.Sprintf("select 1 from %s where id = $1", table)
	if lock {
		stmt += " for update"
	}
	var one int
	err := q.QueryRowContext(ctx, stmt, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func rowsAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func orInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func orDur(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}
