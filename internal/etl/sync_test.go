package etl_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripload/internal/domain"
	"tripload/internal/etl"
)

// ── Fakes ──────────────────────────────────────────────────

// sliceReader serves rows in chunks. A nil row stands for a malformed
// record and is handed to the OnMalformed hook.
type sliceReader struct {
	header []string
	rows   [][]any
	opts   etl.ReaderOptions
	pos    int
	index  int
	failAt int // batch index whose read fails; -1 for never
	onNext func()
}

func (r *sliceReader) Columns() []string { return r.header }

func (r *sliceReader) Next(ctx context.Context) (*etl.RawBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.onNext != nil {
		r.onNext()
	}
	if r.pos >= len(r.rows) {
		return nil, io.EOF
	}
	if r.index == r.failAt {
		return nil, etl.Errorf(etl.KindSourceUnavailable, "connection reset")
	}
	b := &etl.RawBatch{Index: r.index, FirstRow: int64(r.pos) + 1, Columns: r.header}
	for len(b.Rows) < r.opts.ChunkSize && r.pos < len(r.rows) {
		row := r.rows[r.pos]
		r.pos++
		if row == nil {
			err := r.opts.OnMalformed(&etl.Error{Kind: etl.KindMalformedRecord, Batch: r.index, FirstRow: int64(r.pos), LastRow: int64(r.pos), Err: errors.New("bare quote")})
			if err != nil {
				return nil, err
			}
			continue
		}
		b.Rows = append(b.Rows, row)
	}
	r.index++
	return b, nil
}

func (r *sliceReader) Close() error { return nil }

func opener(r *sliceReader) etl.OpenFunc {
	return func(_ context.Context, _ string, opts etl.ReaderOptions) (etl.ChunkReader, error) {
		r.opts = opts
		return r, nil
	}
}

type memSink struct {
	mu        sync.Mutex
	calls     []string
	rows      [][]any
	inits     int
	batches   []int
	failAt    int // batch index whose append fails; -1 for never
	failInit  bool
	onAppend  func(*etl.TypedBatch)
	appendedN int
}

func newMemSink() *memSink { return &memSink{failAt: -1} }

func (s *memSink) Initialize(_ context.Context, target domain.SinkTarget, _ *domain.SchemaSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "initialize")
	if s.failInit {
		return errors.New("permission denied for schema public")
	}
	s.inits++
	s.rows = nil
	return nil
}

func (s *memSink) Append(_ context.Context, _ domain.SinkTarget, b *etl.TypedBatch) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, fmt.Sprintf("append %d", b.Index))
	if b.Index == s.failAt {
		return 0, errors.New("value too long for type character varying")
	}
	s.rows = append(s.rows, b.Rows...)
	s.batches = append(s.batches, b.Index)
	s.appendedN++
	if s.onAppend != nil {
		s.onAppend(b)
	}
	return int64(b.Len()), nil
}

func (s *memSink) RowCount(context.Context, domain.SinkTarget) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.rows)), nil
}

func (s *memSink) Close() error { return nil }

func tripRows(n int) [][]any {
	rows := make([][]any, n)
	for i := range rows {
		rows[i] = []any{fmt.Sprint(i + 1), "2021-01-01 00:00:00", "1.5", "N"}
	}
	return rows
}

func spec(t *testing.T, chunk int) *etl.RunSpec {
	return &etl.RunSpec{
		Locator: "memory://trips.csv",
		Schema:  tripSchema(t),
		Target:  domain.SinkTarget{Table: "trips"},
		Options: etl.RunOptions{ChunkSize: chunk},
	}
}

// ── Scenarios ──────────────────────────────────────────────

func TestRunSync_ThreeRowsTwoBatches(t *testing.T) {
	sink := newMemSink()
	reader := &sliceReader{header: tripHeader, rows: tripRows(3), failAt: -1}
	var sizes []int
	e := &etl.Engine{Sink: sink, Open: opener(reader), OnBatch: func(p etl.Progress) { sizes = append(sizes, p.Rows) }}

	res, err := e.RunSync(context.Background(), spec(t, 2))
	require.NoError(t, err)

	assert.Equal(t, etl.StatusCompleted, res.Status)
	assert.Equal(t, etl.StateCompleted, res.State)
	assert.Equal(t, []int{2, 1}, sizes)
	assert.Equal(t, int64(3), res.RowsWritten)
	assert.Equal(t, 2, res.BatchesWritten)
	assert.NotEmpty(t, res.RunID)

	n, err := sink.RowCount(context.Background(), domain.SinkTarget{Table: "trips"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestRunSync_BadTimestampFailsRun(t *testing.T) {
	rows := tripRows(4)
	rows[3][1] = "2021-13-40 99:99:99"
	sink := newMemSink()
	e := &etl.Engine{Sink: sink, Open: opener(&sliceReader{header: tripHeader, rows: rows, failAt: -1})}

	res, err := e.RunSync(context.Background(), spec(t, 2))
	require.Error(t, err)
	assert.True(t, etl.IsKind(err, etl.KindCoercionError))
	assert.Equal(t, etl.StatusFailed, res.Status)
	assert.Equal(t, etl.KindCoercionError, res.ErrorKind)
	assert.Equal(t, int64(2), res.RowsWritten)
	assert.Equal(t, []int{0}, sink.batches)
}

func TestRunSync_MissingColumnLeavesTargetUntouched(t *testing.T) {
	sink := newMemSink()
	reader := &sliceReader{header: []string{"VendorID", "pickup", "fare"}, rows: [][]any{{"1", "2021-01-01 00:00:00", "2"}}, failAt: -1}
	e := &etl.Engine{Sink: sink, Open: opener(reader)}

	res, err := e.RunSync(context.Background(), spec(t, 10))
	assert.True(t, etl.IsKind(err, etl.KindSchemaMismatch))
	assert.Equal(t, etl.KindSchemaMismatch, res.ErrorKind)
	assert.Empty(t, sink.calls)
}

func TestRunSync_UnreachableSourceLeavesTargetUntouched(t *testing.T) {
	sink := newMemSink()
	e := &etl.Engine{Sink: sink, Open: func(context.Context, string, etl.ReaderOptions) (etl.ChunkReader, error) {
		return nil, errors.New("dial tcp 10.0.0.1:443: i/o timeout")
	}}

	res, err := e.RunSync(context.Background(), spec(t, 10))
	assert.True(t, etl.IsKind(err, etl.KindSourceUnavailable))
	assert.Equal(t, etl.StateFailed, res.State)
	assert.Empty(t, sink.calls)
}

func TestRunSync_EmptyIntegerBecomesNull(t *testing.T) {
	sink := newMemSink()
	reader := &sliceReader{header: tripHeader, rows: [][]any{{"", "2021-01-01 00:00:00", "1", "N"}}, failAt: -1}
	e := &etl.Engine{Sink: sink, Open: opener(reader)}

	_, err := e.RunSync(context.Background(), spec(t, 10))
	require.NoError(t, err)
	require.Len(t, sink.rows, 1)
	assert.Nil(t, sink.rows[0][0])
}

// ── Invariants ─────────────────────────────────────────────

func TestRunSync_InitializeOnceThenOrderedAppends(t *testing.T) {
	sink := newMemSink()
	var states []etl.State
	e := &etl.Engine{
		Sink:    sink,
		Open:    opener(&sliceReader{header: tripHeader, rows: tripRows(10), failAt: -1}),
		OnState: func(_ string, s etl.State) { states = append(states, s) },
	}

	_, err := e.RunSync(context.Background(), spec(t, 3))
	require.NoError(t, err)

	assert.Equal(t, []string{"initialize", "append 0", "append 1", "append 2", "append 3"}, sink.calls)
	assert.Equal(t, []etl.State{etl.StateInitializing, etl.StateStreaming, etl.StateCompleted}, states)
	for i, row := range sink.rows {
		assert.Equal(t, int64(i+1), row[0])
	}
}

func TestRunSync_BoundedInFlight(t *testing.T) {
	sink := newMemSink()
	reader := &sliceReader{header: tripHeader, rows: tripRows(25), failAt: -1}
	var violations int
	reader.onNext = func() {
		if reader.index != sink.appendedN {
			violations++
		}
	}
	e := &etl.Engine{Sink: sink, Open: opener(reader)}

	_, err := e.RunSync(context.Background(), spec(t, 4))
	require.NoError(t, err)
	assert.Zero(t, violations)
	assert.Equal(t, 7, sink.appendedN)
}

func TestRunSync_EmptySourceInitializesTarget(t *testing.T) {
	sink := newMemSink()
	e := &etl.Engine{Sink: sink, Open: opener(&sliceReader{header: tripHeader, failAt: -1})}

	res, err := e.RunSync(context.Background(), spec(t, 10))
	require.NoError(t, err)
	assert.Equal(t, []string{"initialize"}, sink.calls)
	assert.Zero(t, res.RowsWritten)
}

func TestRunSync_SinkFailureKeepsEarlierBatches(t *testing.T) {
	sink := newMemSink()
	sink.failAt = 1
	e := &etl.Engine{Sink: sink, Open: opener(&sliceReader{header: tripHeader, rows: tripRows(6), failAt: -1})}

	res, err := e.RunSync(context.Background(), spec(t, 2))
	var se *etl.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, etl.KindSinkWriteError, se.Kind)
	assert.Equal(t, 1, se.Batch)
	assert.Equal(t, int64(3), se.FirstRow)
	assert.Equal(t, int64(4), se.LastRow)
	assert.Equal(t, int64(2), res.RowsWritten)
	assert.Len(t, sink.rows, 2)
}

func TestRunSync_SourceFailureMidStream(t *testing.T) {
	sink := newMemSink()
	e := &etl.Engine{Sink: sink, Open: opener(&sliceReader{header: tripHeader, rows: tripRows(6), failAt: 2})}

	res, err := e.RunSync(context.Background(), spec(t, 2))
	assert.True(t, etl.IsKind(err, etl.KindSourceUnavailable))
	assert.Equal(t, 2, res.BatchesWritten)
}

func TestRunSync_RerunReplacesTarget(t *testing.T) {
	sink := newMemSink()
	for i := 0; i < 2; i++ {
		e := &etl.Engine{Sink: sink, Open: opener(&sliceReader{header: tripHeader, rows: tripRows(5), failAt: -1})}
		_, err := e.RunSync(context.Background(), spec(t, 2))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, sink.inits)
	assert.Len(t, sink.rows, 5)
}

// ── Policies ───────────────────────────────────────────────

func TestRunSync_SkipCoercionErrors(t *testing.T) {
	rows := tripRows(6)
	rows[2][2] = "twelve"
	sink := newMemSink()
	var skipped []int
	e := &etl.Engine{
		Sink: sink,
		Open: opener(&sliceReader{header: tripHeader, rows: rows, failAt: -1}),
		OnBatch: func(p etl.Progress) {
			if p.Skipped {
				skipped = append(skipped, p.Batch)
			}
		},
	}
	s := spec(t, 2)
	s.Options.OnCoercionError = etl.PolicySkip

	res, err := e.RunSync(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, skipped)
	assert.Equal(t, []int{0, 2}, sink.batches)
	assert.Equal(t, 1, res.BatchesSkipped)
	assert.Equal(t, int64(2), res.RowsSkipped)
	assert.Equal(t, int64(6), res.RowsRead)
	assert.Equal(t, int64(4), res.RowsWritten)
}

func TestRunSync_MalformedRecordPolicy(t *testing.T) {
	rows := tripRows(4)
	rows[1] = nil

	sink := newMemSink()
	e := &etl.Engine{Sink: sink, Open: opener(&sliceReader{header: tripHeader, rows: rows, failAt: -1})}
	_, err := e.RunSync(context.Background(), spec(t, 10))
	assert.True(t, etl.IsKind(err, etl.KindMalformedRecord))
	assert.Equal(t, []string{"initialize"}, sink.calls)

	sink = newMemSink()
	e = &etl.Engine{Sink: sink, Open: opener(&sliceReader{header: tripHeader, rows: rows, failAt: -1})}
	s := spec(t, 10)
	s.Options.OnMalformedRecord = etl.PolicySkip
	res, err := e.RunSync(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RecordsSkipped)
	assert.Equal(t, int64(3), res.RowsWritten)
}

func TestRunSync_RejectsInvalidSpec(t *testing.T) {
	e := &etl.Engine{Sink: newMemSink()}
	s := spec(t, 10)
	s.Options.OnCoercionError = "retry"
	res, err := e.RunSync(context.Background(), s)
	require.Error(t, err)
	assert.Equal(t, etl.StatusFailed, res.Status)
	assert.Equal(t, etl.KindSchemaMismatch, res.ErrorKind)
	assert.True(t, etl.IsKind(err, etl.KindSchemaMismatch))

	res, err = e.RunSync(context.Background(), &etl.RunSpec{Schema: s.Schema, Target: s.Target})
	require.Error(t, err)
	assert.Equal(t, etl.KindSchemaMismatch, res.ErrorKind)
	assert.Contains(t, res.Error, "source locator is empty")

	res, err = (&etl.Engine{}).RunSync(context.Background(), spec(t, 10))
	require.Error(t, err)
	assert.Equal(t, etl.KindSinkWriteError, res.ErrorKind)
}

// ── Cancellation and timeouts ──────────────────────────────

func TestRunSync_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := newMemSink()
	sink.onAppend = func(*etl.TypedBatch) { cancel() }
	e := &etl.Engine{Sink: sink, Open: opener(&sliceReader{header: tripHeader, rows: tripRows(10), failAt: -1})}

	res, err := e.RunSync(ctx, spec(t, 2))
	assert.True(t, etl.IsKind(err, etl.KindCanceled))
	assert.Equal(t, etl.KindCanceled, res.ErrorKind)
	assert.Equal(t, int64(2), res.RowsWritten)
}

// stallSink blocks every append until its context is done.
type stallSink struct{ *memSink }

func (s stallSink) Append(ctx context.Context, _ domain.SinkTarget, _ *etl.TypedBatch) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestRunSync_SinkTimeoutIsSinkWriteError(t *testing.T) {
	for _, pipelined := range []bool{false, true} {
		e := &etl.Engine{
			Sink: stallSink{newMemSink()},
			Open: opener(&sliceReader{header: tripHeader, rows: tripRows(4), failAt: -1}),
		}
		s := spec(t, 2)
		s.Options.Pipelined = pipelined
		s.Options.SinkTimeout = 20 * time.Millisecond

		res, err := e.RunSync(context.Background(), s)
		require.Error(t, err)
		assert.Equal(t, etl.StatusFailed, res.Status)
		assert.Equal(t, etl.KindSinkWriteError, res.ErrorKind, "pipelined=%v: %v", pipelined, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		var ee *etl.Error
		require.ErrorAs(t, err, &ee)
		assert.Equal(t, 0, ee.Batch)
		assert.Equal(t, int64(1), ee.FirstRow)
		assert.Equal(t, int64(2), ee.LastRow)
	}
}

// ── Pipelined ──────────────────────────────────────────────

func TestRunSync_PipelinedPreservesOrder(t *testing.T) {
	sink := newMemSink()
	var written []int64
	var mu sync.Mutex
	e := &etl.Engine{
		Sink: sink,
		Open: opener(&sliceReader{header: tripHeader, rows: tripRows(101), failAt: -1}),
		OnBatch: func(p etl.Progress) {
			mu.Lock()
			written = append(written, p.RowsWritten)
			mu.Unlock()
		},
	}
	s := spec(t, 5)
	s.Options.Pipelined = true
	s.Options.QueueDepth = 1

	res, err := e.RunSync(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, int64(101), res.RowsWritten)
	assert.Equal(t, 21, res.BatchesWritten)
	assert.Equal(t, "initialize", sink.calls[0])
	for i, b := range sink.batches {
		assert.Equal(t, i, b)
	}
	for i, row := range sink.rows {
		assert.Equal(t, int64(i+1), row[0])
	}
	assert.IsNonDecreasing(t, written)
}

func TestRunSync_PipelinedProgressInBatchOrder(t *testing.T) {
	rows := tripRows(30)
	for _, i := range []int{1, 10, 11, 25} {
		rows[i][2] = "free"
	}
	var got []etl.Progress
	e := &etl.Engine{
		Sink:    newMemSink(),
		Open:    opener(&sliceReader{header: tripHeader, rows: rows, failAt: -1}),
		OnBatch: func(p etl.Progress) { got = append(got, p) },
	}
	s := spec(t, 3)
	s.Options.Pipelined = true
	s.Options.QueueDepth = 1
	s.Options.OnCoercionError = etl.PolicySkip

	res, err := e.RunSync(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, 3, res.BatchesSkipped)
	require.Len(t, got, 10)

	var skipped []int
	var written []int64
	for i, p := range got {
		assert.Equal(t, i, p.Batch)
		if p.Skipped {
			skipped = append(skipped, p.Batch)
		}
		written = append(written, p.RowsWritten)
	}
	assert.Equal(t, []int{0, 3, 8}, skipped)
	assert.IsNonDecreasing(t, written)
	assert.Equal(t, int64(21), written[len(written)-1])
}

func TestRunSync_PipelinedInitializeFailure(t *testing.T) {
	sink := newMemSink()
	sink.failInit = true
	e := &etl.Engine{Sink: sink, Open: opener(&sliceReader{header: tripHeader, rows: tripRows(50), failAt: -1})}
	s := spec(t, 2)
	s.Options.Pipelined = true

	res, err := e.RunSync(context.Background(), s)
	assert.True(t, etl.IsKind(err, etl.KindSinkWriteError))
	assert.Zero(t, res.RowsWritten)
	assert.Equal(t, []string{"initialize"}, sink.calls)
}

func TestRunSync_PipelinedCoercionError(t *testing.T) {
	rows := tripRows(20)
	rows[13][0] = "x"
	sink := newMemSink()
	e := &etl.Engine{Sink: sink, Open: opener(&sliceReader{header: tripHeader, rows: rows, failAt: -1})}
	s := spec(t, 4)
	s.Options.Pipelined = true

	res, err := e.RunSync(context.Background(), s)
	assert.True(t, etl.IsKind(err, etl.KindCoercionError))
	assert.LessOrEqual(t, res.RowsWritten, int64(12))
	for i, b := range sink.batches {
		assert.Equal(t, i, b)
	}
}

// ── Preview ────────────────────────────────────────────────

func TestPreview(t *testing.T) {
	sink := newMemSink()
	e := &etl.Engine{Sink: sink, Open: opener(&sliceReader{header: append([]string{"extra"}, tripHeader...), rows: prefix("z", tripRows(30)), failAt: -1})}

	b, dropped, err := e.Preview(context.Background(), spec(t, 0), 5)
	require.NoError(t, err)
	assert.Equal(t, 5, b.Len())
	assert.Equal(t, []string{"extra"}, dropped)
	assert.Empty(t, sink.calls)
}

func prefix(v any, rows [][]any) [][]any {
	out := make([][]any, len(rows))
	for i, r := range rows {
		out[i] = append([]any{v}, r...)
	}
	return out
}
