package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Querier is the subset of *sql.DB and *sql.Tx used by Store.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Conflict is the policy applied when an insert violates a unique constraint.
type Conflict string

const (
	// ConflictAbort fails the insert with the constraint error.
	ConflictAbort Conflict = ""
	// ConflictIgnore skips the insert; Insert returns a nil row.
	ConflictIgnore Conflict = "ignore"
	// ConflictReplace deletes the conflicting row and inserts the new one.
	ConflictReplace Conflict = "replace"
)

// Row is a single table row keyed by column name.
type Row map[string]any

// QueryOptions controls ordering and paging of Select.
type QueryOptions struct {
	OrderBy string
	Desc    bool
	Limit   int
	Offset  int
}

// Store runs queries against either the connection pool or a transaction.
type Store struct {
	q      Querier
	logger *slog.Logger
}

// NewStore binds a Store to an arbitrary Querier.
func NewStore(q Querier, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{q: q, logger: logger}
}

// Exec runs a raw statement.
func (s *Store) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.q.ExecContext(ctx, query, args...)
}

// Query runs a raw query and scans every row.
func (s *Store) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

// Select returns every row of table matching cond.
func (s *Store) Select(ctx context.Context, table string, cond Condition, opts *QueryOptions) ([]Row, error) {
	if err := validateName(table); err != nil {
		return nil, err
	}
	where, args, err := buildWhere(cond)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT * FROM %s WHERE %s", table, where)
	if opts != nil {
		if opts.OrderBy != "" {
			if err := validateName(opts.OrderBy); err != nil {
				return nil, err
			}
			query += " ORDER BY " + opts.OrderBy
			if opts.Desc {
				query += " DESC"
			}
		}
		if opts.Limit > 0 {
			query += fmt.Sprintf(" LIMIT %d", opts.Limit)
			if opts.Offset > 0 {
				query += fmt.Sprintf(" OFFSET %d", opts.Offset)
			}
		}
	}

	rows, err := s.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select from %s: %w", table, err)
	}
	return rows, nil
}

// Get returns the first row matching cond, or nil when there is none.
func (s *Store) Get(ctx context.Context, table string, cond Condition) (Row, error) {
	rows, err := s.Select(ctx, table, cond, &QueryOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Count returns the number of rows matching cond.
func (s *Store) Count(ctx context.Context, table string, cond Condition) (int64, error) {
	if err := validateName(table); err != nil {
		return 0, err
	}
	where, args, err := buildWhere(cond)
	if err != nil {
		return 0, err
	}
	var n int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", table, where)
	if err := s.q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// Exists reports whether any row matches cond.
func (s *Store) Exists(ctx context.Context, table string, cond Condition) (bool, error) {
	n, err := s.Count(ctx, table, cond)
	return n > 0, err
}

// Insert adds a row and returns it as stored. With ConflictIgnore a
// duplicate-key conflict returns a nil row and no error.
func (s *Store) Insert(ctx context.Context, table string, data Row, conflict Conflict) (Row, error) {
	if err := validateName(table); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("insert into %s: no columns", table)
	}

	cols := sortedKeys(data)
	args := make([]any, len(cols))
	for i, c := range cols {
		if err := validateName(c); err != nil {
			return nil, err
		}
		args[i] = data[c]
	}

	verb := "INSERT"
	switch conflict {
	case ConflictAbort:
	case ConflictIgnore:
		verb = "INSERT OR IGNORE"
	case ConflictReplace:
		verb = "INSERT OR REPLACE"
	default:
		return nil, fmt.Errorf("insert into %s: unknown conflict policy %q", table, conflict)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
	query := fmt.Sprintf("%s INTO %s (%s) VALUES (%s)", verb, table, strings.Join(cols, ", "), placeholders)

	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("insert into %s: %w", table, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("insert into %s: %w", table, err)
	}
	if affected == 0 {
		return nil, nil
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert into %s: %w", table, err)
	}

	rows, err := s.Query(ctx, fmt.Sprintf("SELECT * FROM %s WHERE rowid = ?", table), rowID)
	if err != nil {
		return nil, fmt.Errorf("reload %s row: %w", table, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Update sets data on every row matching cond and returns the updated rows.
// An empty condition is rejected.
func (s *Store) Update(ctx context.Context, table string, data Row, cond Condition) ([]Row, error) {
	if err := validateName(table); err != nil {
		return nil, err
	}
	if len(cond) == 0 {
		return nil, fmt.Errorf("update %s: refusing to update without a condition", table)
	}
	if len(data) == 0 {
		return s.Select(ctx, table, cond, nil)
	}
	where, whereArgs, err := buildWhere(cond)
	if err != nil {
		return nil, err
	}

	ids, err := s.rowIDs(ctx, table, where, whereArgs)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cols := sortedKeys(data)
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+len(whereArgs))
	for i, c := range cols {
		if err := validateName(c); err != nil {
			return nil, err
		}
		sets[i] = c + " = ?"
		args = append(args, data[c])
	}
	args = append(args, whereArgs...)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, strings.Join(sets, ", "), where)
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("update %s: %w", table, err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	rows, err := s.Query(ctx, fmt.Sprintf("SELECT * FROM %s WHERE rowid IN (%s)", table, placeholders), ids...)
	if err != nil {
		return nil, fmt.Errorf("reload %s rows: %w", table, err)
	}
	return rows, nil
}

// Delete removes every row matching cond and returns how many were removed.
// An empty condition is rejected.
func (s *Store) Delete(ctx context.Context, table string, cond Condition) (int64, error) {
	if err := validateName(table); err != nil {
		return 0, err
	}
	if len(cond) == 0 {
		return 0, fmt.Errorf("delete from %s: refusing to delete without a condition", table)
	}
	where, args, err := buildWhere(cond)
	if err != nil {
		return 0, err
	}
	res, err := s.q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", table, where), args...)
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", table, err)
	}
	return res.RowsAffected()
}

// Upsert inserts data unless it conflicts, then applies data to the rows
// matching cond and returns the resulting row.
func (s *Store) Upsert(ctx context.Context, table string, data Row, cond Condition) (Row, error) {
	if _, err := s.Insert(ctx, table, data, ConflictIgnore); err != nil {
		return nil, err
	}
	if _, err := s.Update(ctx, table, data, cond); err != nil {
		return nil, err
	}
	return s.Get(ctx, table, cond)
}

func (s *Store) rowIDs(ctx context.Context, table, where string, args []any) ([]any, error) {
	rows, err := s.q.QueryContext(ctx, fmt.Sprintf("SELECT rowid FROM %s WHERE %s", table, where), args...)
	if err != nil {
		return nil, fmt.Errorf("select %s rowids: %w", table, err)
	}
	defer rows.Close()

	var ids []any
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// scanRows reads every row into a Row map. Byte slices are returned as
// strings.
func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var result []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = values[i]
			}
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// ---------- Row accessors ----------

// String returns the column as a string ("" when NULL or absent).
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Int64 returns the column as an int64 (0 when NULL or not numeric).
func (r Row) Int64(col string) int64 {
	switch v := r[col].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	case bool:
		if v {
			return 1
		}
	}
	return 0
}

// Bool returns the column as a bool, accepting 0/1 storage values.
func (r Row) Bool(col string) bool {
	switch v := r[col].(type) {
	case bool:
		return v
	default:
		return r.Int64(col) != 0
	}
}

// Time returns the column as a time. Zero when NULL, empty or unparsable.
func (r Row) Time(col string) time.Time {
	switch v := r[col].(type) {
	case time.Time:
		return v
	case string:
		t, _ := ParseTime(v)
		return t
	}
	return time.Time{}
}

// TimePtr returns the column as a time pointer, nil when unset.
func (r Row) TimePtr(col string) *time.Time {
	switch v := r[col].(type) {
	case *time.Time:
		return v
	}
	t := r.Time(col)
	if t.IsZero() {
		return nil
	}
	return &t
}
