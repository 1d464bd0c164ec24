package etl

import "tripload/internal/domain"

// ── Batches ────────────────────────────────────────────────
// Common intermediate data format.
// Readers emit RawBatches, the coercer turns them into TypedBatches,
// sinks consume TypedBatches. A batch is owned by the stage holding it.

// RawBatch is a bounded group of undecoded source rows.
// Rows[i][j] is the value of Columns[j]; CSV cells are strings,
// Parquet cells are already semi-typed (int64, float64, string, time.Time, nil).
type RawBatch struct {
	Index    int      // 0-based batch number within the run
	FirstRow int64    // 1-based data-row number of Rows[0] in the source
	Columns  []string // source header
	Rows     [][]any
	// RowNums holds the source data-row number of each row when the rows
	// are not contiguous, e.g. after a skipped malformed record. Nil means
	// Rows[i] is row FirstRow+i.
	RowNums []int64
}

// Len returns the number of rows in the batch.
func (b *RawBatch) Len() int { return len(b.Rows) }

// RowNum is the source data-row number of Rows[i].
func (b *RawBatch) RowNum(i int) int64 { return rowNum(b.FirstRow, b.RowNums, i) }

// LastRow is the data-row number of the final row in the batch.
func (b *RawBatch) LastRow() int64 { return b.RowNum(len(b.Rows) - 1) }

// TypedBatch holds rows converted to the declared schema.
// Columns follow schema order; cells are nil, int64, float64, string or time.Time.
type TypedBatch struct {
	Index    int
	FirstRow int64
	Columns  []domain.Column
	Rows     [][]any
	RowNums  []int64 // carried over from the RawBatch
}

// Len returns the number of rows in the batch.
func (b *TypedBatch) Len() int { return len(b.Rows) }

// RowNum is the source data-row number of Rows[i].
func (b *TypedBatch) RowNum(i int) int64 { return rowNum(b.FirstRow, b.RowNums, i) }

// LastRow is the data-row number of the final row in the batch.
func (b *TypedBatch) LastRow() int64 { return b.RowNum(len(b.Rows) - 1) }

// ColumnNames returns the batch column names in order.
func (b *TypedBatch) ColumnNames() []string {
	names := make([]string, len(b.Columns))
	for i, c := range b.Columns {
		names[i] = c.Name
	}
	return names
}

func rowNum(first int64, nums []int64, i int) int64 {
	if i >= 0 && i < len(nums) {
		return nums[i]
	}
	return first + int64(i)
}
