package etl

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"tripload/internal/domain"
)

// ── TypeCoercer ────────────────────────────────────────────
// Converts raw batches into the declared schema. Conversion is atomic per
// batch: one bad cell rejects the whole batch and nothing is returned.

// Coercer maps one source header onto a SchemaSpec. It is built once per run
// from the header and then applied to every batch of that source.
type Coercer struct {
	schema  *domain.SchemaSpec
	columns []domain.Column
	src     []int // source position of each schema column
	width   int
	dropped []string
}

// NewCoercer checks header against schema. Schema columns absent from the
// header, duplicate header names, and (under the reject policy) undeclared
// header columns are reported as SchemaMismatch.
func NewCoercer(schema *domain.SchemaSpec, header []string) (*Coercer, error) {
	if len(header) == 0 {
		return nil, Errorf(KindSchemaMismatch, "source has no header row")
	}
	pos := make(map[string]int, len(header))
	for i, h := range header {
		if _, dup := pos[h]; dup {
			return nil, Errorf(KindSchemaMismatch, "duplicate source column %q", h)
		}
		pos[h] = i
	}

	c := &Coercer{
		schema:  schema,
		columns: schema.Columns(),
		width:   len(header),
	}
	var missing []string
	for _, col := range c.columns {
		i, ok := pos[col.Name]
		if !ok {
			missing = append(missing, col.Name)
			continue
		}
		c.src = append(c.src, i)
	}
	if len(missing) > 0 {
		return nil, Errorf(KindSchemaMismatch, "source is missing declared columns %v", missing)
	}

	for _, h := range header {
		if _, ok := schema.Lookup(h); !ok {
			c.dropped = append(c.dropped, h)
		}
	}
	if len(c.dropped) > 0 && schema.UnknownColumns() == domain.UnknownColumnsReject {
		return nil, Errorf(KindSchemaMismatch, "source has undeclared columns %v", c.dropped)
	}
	return c, nil
}

// Dropped lists the source columns that are not carried into the sink.
func (c *Coercer) Dropped() []string { return c.dropped }

// Columns returns the typed output columns in schema order.
func (c *Coercer) Columns() []domain.Column { return c.columns }

// Coerce converts every cell of raw. On failure the returned error is a
// CoercionError naming the batch, row and column; no partial batch is returned.
func (c *Coercer) Coerce(raw *RawBatch) (*TypedBatch, error) {
	out := &TypedBatch{
		Index:    raw.Index,
		FirstRow: raw.FirstRow,
		Columns:  c.columns,
		Rows:     make([][]any, len(raw.Rows)),
		RowNums:  raw.RowNums,
	}
	for i, row := range raw.Rows {
		rowNum := raw.RowNum(i)
		if len(row) != c.width {
			return nil, &Error{
				Kind: KindMalformedRecord, Batch: raw.Index, FirstRow: rowNum, LastRow: rowNum,
				Err: errors.Errorf("row has %d fields, header has %d", len(row), c.width),
			}
		}
		typed := make([]any, len(c.columns))
		for j, col := range c.columns {
			v, err := c.coerceValue(col, row[c.src[j]])
			if err != nil {
				return nil, &Error{
					Kind: KindCoercionError, Batch: raw.Index, FirstRow: rowNum, LastRow: rowNum,
					Column: col.Name, Err: err,
				}
			}
			typed[j] = v
		}
		out.Rows[i] = typed
	}
	return out, nil
}

func (c *Coercer) coerceValue(col domain.Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok && c.schema.IsNull(s) {
		return nil, nil
	}
	switch col.Type {
	case domain.TypeInt64Nullable:
		return toInt64(v)
	case domain.TypeFloat64:
		return toFloat64(v)
	case domain.TypeStringNullable:
		return toString(v, c.schema.TimestampLayout()), nil
	case domain.TypeTimestamp:
		return toTimestamp(v, c.schema.TimestampLayout())
	default:
		return nil, errors.Errorf("unsupported column type %q", col.Type)
	}
}

func toInt64(v any) (any, error) {
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		n, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			return n, nil
		}
		if ne, ok := err.(*strconv.NumError); ok && ne.Err == strconv.ErrRange {
			return nil, errors.Errorf("%q overflows int64", x)
		}
		// Exports of nullable integer columns often write "1.0".
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, errors.Errorf("%q is not a whole number", x)
		}
		if f != math.Trunc(f) {
			return nil, errors.Errorf("%q is not a whole number", x)
		}
		if f < math.MinInt64 || f >= math.MaxInt64 {
			return nil, errors.Errorf("%q overflows int64", x)
		}
		return int64(f), nil
	case int64:
		return x, nil
	case int32:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, errors.Errorf("%d overflows int64", x)
		}
		return int64(x), nil
	case float64:
		return floatToInt64(x)
	case float32:
		return floatToInt64(float64(x))
	default:
		return nil, errors.Errorf("cannot convert %T to int64", v)
	}
}

// floatToInt64 accepts integral floats, which is how Parquet writers often
// store nullable integer columns.
func floatToInt64(f float64) (any, error) {
	if math.IsNaN(f) {
		return nil, nil
	}
	if f != math.Trunc(f) {
		return nil, errors.Errorf("%v is not a whole number", f)
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return nil, errors.Errorf("%v overflows int64", f)
	}
	return int64(f), nil
}

func toFloat64(v any) (any, error) {
	switch x := v.(type) {
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, errors.Errorf("%q is not a number", x)
		}
		return f, nil
	case float64:
		if math.IsNaN(x) {
			return nil, nil
		}
		return x, nil
	case float32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	default:
		return nil, errors.Errorf("cannot convert %T to float64", v)
	}
}

func toString(v any, layout string) any {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(layout)
	default:
		return fmt.Sprint(x)
	}
}

func toTimestamp(v any, layout string) (any, error) {
	switch x := v.(type) {
	case string:
		t, err := time.ParseInLocation(layout, strings.TrimSpace(x), time.UTC)
		if err != nil {
			return nil, errors.Errorf("%q does not match %q", x, layout)
		}
		return t, nil
	case time.Time:
		return x.UTC(), nil
	default:
		return nil, errors.Errorf("cannot convert %T to timestamp", v)
	}
}
