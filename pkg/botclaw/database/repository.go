package database

import (
	"context"
	"fmt"
)

// Schema describes how a domain type T maps onto one table.
type Schema[T any] struct {
	// Table is the table name.
	Table string

	// Fields holds the transform of every column that is not stored as-is.
	Fields map[string]Transform

	// ToRow converts a domain value into a row of domain-typed column values.
	ToRow func(v T) Row

	// FromRow builds a domain value from a decoded row.
	FromRow func(r Row) (T, error)
}

// Repository wraps one table so that callers only ever see domain values.
// Conditions and data passed to it use domain-typed values; they are encoded
// with the schema transforms before reaching SQLite.
type Repository[T any] struct {
	store  *Store
	schema Schema[T]
}

// NewRepository binds schema to store.
func NewRepository[T any](store *Store, schema Schema[T]) *Repository[T] {
	if schema.Fields == nil {
		schema.Fields = map[string]Transform{}
	}
	return &Repository[T]{store: store, schema: schema}
}

// WithStore returns a copy of the repository bound to s, typically a
// transaction-scoped Store.
func (r *Repository[T]) WithStore(s *Store) *Repository[T] {
	return &Repository[T]{store: s, schema: r.schema}
}

// Table returns the table name.
func (r *Repository[T]) Table() string { return r.schema.Table }

// Get returns the first matching value, or nil when nothing matches.
func (r *Repository[T]) Get(ctx context.Context, cond Condition) (*T, error) {
	enc, err := r.encodeCondition(cond)
	if err != nil {
		return nil, err
	}
	row, err := r.store.Get(ctx, r.schema.Table, enc)
	if err != nil || row == nil {
		return nil, err
	}
	return r.decode(row)
}

// Select returns every matching value.
func (r *Repository[T]) Select(ctx context.Context, cond Condition, opts *QueryOptions) ([]T, error) {
	enc, err := r.encodeCondition(cond)
	if err != nil {
		return nil, err
	}
	rows, err := r.store.Select(ctx, r.schema.Table, enc, opts)
	if err != nil {
		return nil, err
	}
	return r.decodeAll(rows)
}

// Count returns the number of matching rows.
func (r *Repository[T]) Count(ctx context.Context, cond Condition) (int64, error) {
	enc, err := r.encodeCondition(cond)
	if err != nil {
		return 0, err
	}
	return r.store.Count(ctx, r.schema.Table, enc)
}

// Exists reports whether any row matches.
func (r *Repository[T]) Exists(ctx context.Context, cond Condition) (bool, error) {
	n, err := r.Count(ctx, cond)
	return n > 0, err
}

// Insert stores v. With ConflictIgnore a duplicate returns nil, nil.
func (r *Repository[T]) Insert(ctx context.Context, v T, conflict Conflict) (*T, error) {
	return r.InsertRow(ctx, r.schema.ToRow(v), conflict)
}

// InsertRow stores a partial row, letting column defaults fill the rest.
func (r *Repository[T]) InsertRow(ctx context.Context, data Row, conflict Conflict) (*T, error) {
	enc, err := r.encodeRow(data)
	if err != nil {
		return nil, err
	}
	row, err := r.store.Insert(ctx, r.schema.Table, enc, conflict)
	if err != nil || row == nil {
		return nil, err
	}
	return r.decode(row)
}

// Update applies data to the matching rows and returns them.
func (r *Repository[T]) Update(ctx context.Context, data Row, cond Condition) ([]T, error) {
	encData, err := r.encodeRow(data)
	if err != nil {
		return nil, err
	}
	encCond, err := r.encodeCondition(cond)
	if err != nil {
		return nil, err
	}
	rows, err := r.store.Update(ctx, r.schema.Table, encData, encCond)
	if err != nil {
		return nil, err
	}
	return r.decodeAll(rows)
}

// Delete removes the matching rows and returns how many were removed.
func (r *Repository[T]) Delete(ctx context.Context, cond Condition) (int64, error) {
	enc, err := r.encodeCondition(cond)
	if err != nil {
		return 0, err
	}
	return r.store.Delete(ctx, r.schema.Table, enc)
}

// Upsert inserts data unless it conflicts, applies it to the rows matching
// cond and returns the resulting value.
func (r *Repository[T]) Upsert(ctx context.Context, data Row, cond Condition) (*T, error) {
	encData, err := r.encodeRow(data)
	if err != nil {
		return nil, err
	}
	encCond, err := r.encodeCondition(cond)
	if err != nil {
		return nil, err
	}
	row, err := r.store.Upsert(ctx, r.schema.Table, encData, encCond)
	if err != nil || row == nil {
		return nil, err
	}
	return r.decode(row)
}

// InsertOrGet inserts data ignoring conflicts and then fetches the row
// matching cond. Concurrent callers racing on the same unique key all end
// up with the single stored row.
func (r *Repository[T]) InsertOrGet(ctx context.Context, data Row, cond Condition) (*T, error) {
	if _, err := r.InsertRow(ctx, data, ConflictIgnore); err != nil {
		return nil, err
	}
	v, err := r.Get(ctx, cond)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("%s: row missing after insert", r.schema.Table)
	}
	return v, nil
}

// ---------- Encoding ----------

func (r *Repository[T]) encodeValue(field string, v any) (any, error) {
	tf, ok := r.schema.Fields[field]
	if !ok {
		return v, nil
	}
	out, err := tf.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", r.schema.Table, field, err)
	}
	return out, nil
}

func (r *Repository[T]) encodeRow(data Row) (Row, error) {
	out := make(Row, len(data))
	for k, v := range data {
		enc, err := r.encodeValue(k, v)
		if err != nil {
			return nil, err
		}
		out[k] = enc
	}
	return out, nil
}

func (r *Repository[T]) encodeCondition(cond Condition) (Condition, error) {
	out := make(Condition, len(cond))
	for field, v := range cond {
		op, isOp := v.(Op)
		if !isOp {
			if v == nil {
				out[field] = nil
				continue
			}
			enc, err := r.encodeValue(field, v)
			if err != nil {
				return nil, err
			}
			out[field] = enc
			continue
		}

		switch op.Operator {
		case OpIsNull, OpIsNotNull:
			out[field] = op
		case OpIn:
			values, err := toSlice(op.Value)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", field, err)
			}
			encoded := make([]any, len(values))
			for i, item := range values {
				if encoded[i], err = r.encodeValue(field, item); err != nil {
					return nil, err
				}
			}
			out[field] = In(encoded)
		case OpLike:
			out[field] = op
		default:
			if op.Value == nil {
				out[field] = op
				continue
			}
			enc, err := r.encodeValue(field, op.Value)
			if err != nil {
				return nil, err
			}
			out[field] = Op{Operator: op.Operator, Value: enc}
		}
	}
	return out, nil
}

func (r *Repository[T]) decode(row Row) (*T, error) {
	decoded := make(Row, len(row))
	for k, v := range row {
		tf, ok := r.schema.Fields[k]
		if !ok {
			decoded[k] = v
			continue
		}
		d, err := tf.Decode(v)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", r.schema.Table, k, err)
		}
		decoded[k] = d
	}
	v, err := r.schema.FromRow(decoded)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.schema.Table, err)
	}
	return &v, nil
}

func (r *Repository[T]) decodeAll(rows []Row) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		v, err := r.decode(row)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}
