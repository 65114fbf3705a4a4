package database

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
)

// Condition maps a column name to either a literal value (equality, or IS NULL
// for nil) or an Op. All entries are combined with AND.
type Condition map[string]any

// Op is a comparison operator with its operand.
type Op struct {
	Operator string
	Value    any
}

// Supported operators.
const (
	OpEq        = "="
	OpNe        = "!="
	OpGt        = ">"
	OpGte       = ">="
	OpLt        = "<"
	OpLte       = "<="
	OpLike      = "like"
	OpIn        = "in"
	OpIsNull    = "is null"
	OpIsNotNull = "is not null"
)

// Eq matches rows whose column equals v.
func Eq(v any) Op { return Op{Operator: OpEq, Value: v} }

// Ne matches rows whose column differs from v.
func Ne(v any) Op { return Op{Operator: OpNe, Value: v} }

// Gt matches rows whose column is greater than v.
func Gt(v any) Op { return Op{Operator: OpGt, Value: v} }

// Gte matches rows whose column is greater than or equal to v.
func Gte(v any) Op { return Op{Operator: OpGte, Value: v} }

// Lt matches rows whose column is less than v.
func Lt(v any) Op { return Op{Operator: OpLt, Value: v} }

// Lte matches rows whose column is less than or equal to v.
func Lte(v any) Op { return Op{Operator: OpLte, Value: v} }

// Like matches rows whose column matches the SQL LIKE pattern.
func Like(pattern string) Op { return Op{Operator: OpLike, Value: pattern} }

// In matches rows whose column is one of values. values must be a slice.
func In(values any) Op { return Op{Operator: OpIn, Value: values} }

// IsNull matches rows whose column is NULL.
func IsNull() Op { return Op{Operator: OpIsNull} }

// IsNotNull matches rows whose column is not NULL.
func IsNotNull() Op { return Op{Operator: OpIsNotNull} }

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// validateName rejects anything that is not a plain SQL identifier.
func validateName(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}

// sortedKeys returns map keys in a stable order so generated SQL is
// deterministic.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// buildWhere renders cond as a WHERE clause (without the keyword) and its
// arguments. An empty condition renders as "1=1".
func buildWhere(cond Condition) (string, []any, error) {
	if len(cond) == 0 {
		return "1=1", nil, nil
	}

	var (
		parts []string
		args  []any
	)
	for _, field := range sortedKeys(cond) {
		if err := validateName(field); err != nil {
			return "", nil, err
		}

		op, ok := cond[field].(Op)
		if !ok {
			if cond[field] == nil {
				op = IsNull()
			} else {
				op = Eq(cond[field])
			}
		}

		switch strings.ToLower(op.Operator) {
		case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte:
			if op.Value == nil {
				if op.Operator == OpNe {
					parts = append(parts, field+" IS NOT NULL")
				} else {
					parts = append(parts, field+" IS NULL")
				}
				continue
			}
			parts = append(parts, fmt.Sprintf("%s %s ?", field, op.Operator))
			args = append(args, op.Value)
		case OpLike:
			parts = append(parts, field+" LIKE ?")
			args = append(args, op.Value)
		case OpIn:
			values, err := toSlice(op.Value)
			if err != nil {
				return "", nil, fmt.Errorf("field %s: %w", field, err)
			}
			if len(values) == 0 {
				parts = append(parts, "0=1")
				continue
			}
			placeholders := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
			parts = append(parts, fmt.Sprintf("%s IN (%s)", field, placeholders))
			args = append(args, values...)
		case OpIsNull:
			parts = append(parts, field+" IS NULL")
		case OpIsNotNull:
			parts = append(parts, field+" IS NOT NULL")
		default:
			return "", nil, fmt.Errorf("field %s: unsupported operator %q", field, op.Operator)
		}
	}

	return strings.Join(parts, " AND "), args, nil
}

// toSlice flattens any slice value into []any.
func toSlice(v any) ([]any, error) {
	if vs, ok := v.([]any); ok {
		return vs, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("in operator requires a slice, got %T", v)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}
