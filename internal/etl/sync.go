package etl

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tripload/internal/domain"
)

// ── IngestJob ──────────────────────────────────────────────
// A persisted ingestion definition: where to read, which schema to
// coerce into, and which table to replace.

// Trigger types.
const (
	TriggerManual    = "manual"
	TriggerSchedule  = "schedule"
	TriggerFileWatch = "file_watch"
)

// IngestJob holds the configuration for a single stored ingestion.
type IngestJob struct {
	ID            string                    `json:"id"`
	Name          string                    `json:"name"`
	Locator       string                    `json:"locator"`
	SchemaPreset  string                    `json:"schema"`
	Connection    domain.DatabaseConnection `json:"connection"`
	Target        domain.SinkTarget         `json:"target"`
	Options       RunOptions                `json:"options"`
	TriggerType   string                    `json:"triggerType"`   // "manual" | "schedule" | "file_watch"
	TriggerConfig string                    `json:"triggerConfig"` // cron expression or watch path
	Enabled       bool                      `json:"enabled"`
	LastRunAt     time.Time                 `json:"lastRunAt"`
	LastStatus    string                    `json:"lastStatus"` // "completed" | "failed" | "running" | ""
	LastError     string                    `json:"lastError"`
	CreatedAt     time.Time                 `json:"createdAt"`
	UpdatedAt     time.Time                 `json:"updatedAt"`
}

// Spec resolves the job's schema preset into a runnable RunSpec.
func (j *IngestJob) Spec() (*RunSpec, error) {
	schema, err := domain.Preset(j.SchemaPreset, domain.WithUnknownColumns(j.Options.UnknownColumns))
	if err != nil {
		return nil, err
	}
	return &RunSpec{
		JobID:   j.ID,
		Locator: j.Locator,
		Schema:  schema,
		Target:  j.Target,
		Options: j.Options,
	}, nil
}

// RunOptions tune a single run.
type RunOptions struct {
	ChunkSize         int                        `json:"chunkSize"`
	OnMalformedRecord Policy                     `json:"onMalformedRecord,omitempty"`
	OnCoercionError   Policy                     `json:"onCoercionError,omitempty"`
	UnknownColumns    domain.UnknownColumnPolicy `json:"unknownColumns,omitempty"`
	Pipelined         bool                       `json:"pipelined,omitempty"`
	QueueDepth        int                        `json:"queueDepth,omitempty"`
	SourceTimeout     time.Duration              `json:"sourceTimeout,omitempty"`
	SinkTimeout       time.Duration              `json:"sinkTimeout,omitempty"`
	HTTPRetries       int                        `json:"httpRetries,omitempty"`
	S3Region          string                     `json:"s3Region,omitempty"`
	S3Endpoint        string                     `json:"s3Endpoint,omitempty"`
	TempDir           string                     `json:"tempDir,omitempty"`
}

// DefaultQueueDepth bounds each queue of the pipelined variant.
const DefaultQueueDepth = 2

// RunSpec binds one run: source, schema, destination and options.
type RunSpec struct {
	JobID   string
	Locator string
	Schema  *domain.SchemaSpec
	Target  domain.SinkTarget
	Options RunOptions
}

// Validate checks that the RunSpec is complete enough to start.
func (s *RunSpec) Validate() error {
	switch {
	case s == nil:
		return errors.New("run spec is nil")
	case s.Locator == "":
		return errors.New("source locator is empty")
	case s.Schema == nil:
		return errors.New("schema is nil")
	case s.Target.Table == "":
		return errors.New("target table is empty")
	case s.Options.ChunkSize < 0:
		return errors.Errorf("chunk size must be positive, got %d", s.Options.ChunkSize)
	}
	if _, err := ParsePolicy(string(s.Options.OnMalformedRecord)); err != nil {
		return err
	}
	_, err := ParsePolicy(string(s.Options.OnCoercionError))
	return err
}

// ── Results ────────────────────────────────────────────────

// State is the driver's position in a run.
type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateStreaming    State = "streaming"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

// Run statuses, as stored on jobs and run logs.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// SyncResult is the outcome of one run.
type SyncResult struct {
	RunID          string        `json:"runId"`
	JobID          string        `json:"jobId,omitempty"`
	Status         string        `json:"status"`
	State          State         `json:"state"`
	ErrorKind      ErrorKind     `json:"errorKind,omitempty"`
	RowsRead       int64         `json:"rowsRead"`
	RowsWritten    int64         `json:"rowsWritten"`
	BatchesWritten int           `json:"batchesWritten"`
	BatchesSkipped int           `json:"batchesSkipped"`
	RowsSkipped    int64         `json:"rowsSkipped"`
	RecordsSkipped int64         `json:"recordsSkipped"`
	DroppedColumns []string      `json:"droppedColumns,omitempty"`
	StartedAt      time.Time     `json:"startedAt"`
	Duration       time.Duration `json:"duration"`
	Error          string        `json:"error,omitempty"`
}

// RunLog converts the result into a history entry.
func (r *SyncResult) RunLog() *SyncRunLog {
	return &SyncRunLog{
		ID:             r.RunID,
		JobID:          r.JobID,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.StartedAt.Add(r.Duration),
		Status:         r.Status,
		ErrorKind:      r.ErrorKind,
		RowsRead:       r.RowsRead,
		RowsWritten:    r.RowsWritten,
		BatchesWritten: r.BatchesWritten,
		BatchesSkipped: r.BatchesSkipped,
		Error:          r.Error,
	}
}

// SyncRunLog is a historical record of a run.
type SyncRunLog struct {
	ID             string    `json:"id"`
	JobID          string    `json:"jobId"`
	StartedAt      time.Time `json:"startedAt"`
	FinishedAt     time.Time `json:"finishedAt"`
	Status         string    `json:"status"`
	ErrorKind      ErrorKind `json:"errorKind,omitempty"`
	RowsRead       int64     `json:"rowsRead"`
	RowsWritten    int64     `json:"rowsWritten"`
	BatchesWritten int       `json:"batchesWritten"`
	BatchesSkipped int       `json:"batchesSkipped"`
	Error          string    `json:"error,omitempty"`
}

// Progress is reported once per batch, written or skipped.
// RowsWritten and BatchesWritten never decrease within a run.
type Progress struct {
	RunID          string `json:"runId"`
	JobID          string `json:"jobId,omitempty"`
	Batch          int    `json:"batch"`
	Rows           int    `json:"rows"`
	Skipped        bool   `json:"skipped,omitempty"`
	RowsWritten    int64  `json:"rowsWritten"`
	BatchesWritten int    `json:"batchesWritten"`
}

// ── Engine ─────────────────────────────────────────────────
// The Engine drives reader → coercer → sink for one run at a time.

// Engine runs ingestions against one sink. OnBatch is called once per
// batch in batch order, never concurrently, whether or not the run is
// pipelined.
type Engine struct {
	Sink    BatchSink
	Open    OpenFunc // nil means etl.Open
	Logger  *zap.Logger
	OnBatch func(Progress)
	OnState func(runID string, s State)
}

// RunSync executes one ingestion end-to-end. The result is always
// non-nil; err is an *Error whenever the run reached the driver.
func (e *Engine) RunSync(ctx context.Context, spec *RunSpec) (*SyncResult, error) {
	r := e.newRun(spec)
	if err := spec.Validate(); err != nil {
		return r.fail(NewError(KindSchemaMismatch, err))
	}
	if e.Sink == nil {
		return r.fail(Errorf(KindSinkWriteError, "engine has no sink"))
	}

	reader, coercer, err := r.prepare(ctx)
	if err != nil {
		return r.fail(err)
	}
	defer reader.Close()

	if spec.Options.Pipelined {
		err = r.pipelined(ctx, reader, coercer)
	} else {
		err = r.sequential(ctx, reader, coercer)
	}
	if err != nil {
		return r.fail(err)
	}
	return r.complete(), nil
}

// Preview reads and coerces up to maxRows rows without touching any sink.
func (e *Engine) Preview(ctx context.Context, spec *RunSpec, maxRows int) (*TypedBatch, []string, error) {
	if err := spec.Validate(); err != nil {
		return nil, nil, NewError(KindSchemaMismatch, err)
	}
	opts := spec.Options
	if maxRows > 0 && (opts.ChunkSize == 0 || opts.ChunkSize > maxRows) {
		opts.ChunkSize = maxRows
	}
	r := e.newRun(&RunSpec{Locator: spec.Locator, Schema: spec.Schema, Target: spec.Target, Options: opts})
	reader, coercer, err := r.prepare(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer reader.Close()

	raw, err := reader.Next(ctx)
	if errors.Is(err, io.EOF) {
		return &TypedBatch{Columns: coercer.Columns()}, coercer.Dropped(), nil
	}
	if err != nil {
		return nil, nil, r.classify(ctx, err, KindSourceUnavailable)
	}
	if maxRows > 0 && len(raw.Rows) > maxRows {
		raw.Rows = raw.Rows[:maxRows]
	}
	typed, err := coercer.Coerce(raw)
	if err != nil {
		return nil, nil, err
	}
	return typed, coercer.Dropped(), nil
}

// ── run ────────────────────────────────────────────────────

type run struct {
	e     *Engine
	spec  *RunSpec
	log   *zap.Logger
	res   *SyncResult
	start time.Time

	rowsRead       atomic.Int64
	rowsWritten    atomic.Int64
	rowsSkipped    atomic.Int64
	recordsSkipped atomic.Int64
	batchesWritten atomic.Int64
	batchesSkipped atomic.Int64
}

func (e *Engine) newRun(spec *RunSpec) *run {
	logger := e.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &run{
		e:     e,
		spec:  spec,
		start: time.Now(),
		res:   &SyncResult{RunID: uuid.New().String(), State: StateIdle},
	}
	r.res.StartedAt = r.start
	fields := []zap.Field{zap.String("run", r.res.RunID)}
	if spec != nil {
		r.res.JobID = spec.JobID
		if spec.JobID != "" {
			fields = append(fields, zap.String("job", spec.JobID))
		}
		fields = append(fields, zap.String("target", spec.Target.String()))
	}
	r.log = logger.With(fields...)
	return r
}

func (r *run) setState(s State) {
	r.res.State = s
	if r.e.OnState != nil {
		r.e.OnState(r.res.RunID, s)
	}
}

// prepare opens the source and checks its header against the schema.
// Nothing touches the sink until both succeed.
func (r *run) prepare(ctx context.Context) (ChunkReader, *Coercer, error) {
	open := r.e.Open
	if open == nil {
		open = Open
	}
	o := r.spec.Options
	reader, err := open(ctx, r.spec.Locator, ReaderOptions{
		ChunkSize:   o.ChunkSize,
		Timeout:     o.SourceTimeout,
		HTTPRetries: o.HTTPRetries,
		S3Region:    o.S3Region,
		S3Endpoint:  o.S3Endpoint,
		TempDir:     o.TempDir,
		OnMalformed: r.onMalformed,
		Logger:      r.log.Named("source"),
	}.Normalize())
	if err != nil {
		return nil, nil, r.classify(ctx, err, KindSourceUnavailable)
	}
	coercer, err := NewCoercer(r.spec.Schema, reader.Columns())
	if err != nil {
		reader.Close()
		return nil, nil, err
	}
	if dropped := coercer.Dropped(); len(dropped) > 0 {
		r.res.DroppedColumns = dropped
		r.log.Info("dropping undeclared source columns", zap.Strings("columns", dropped))
	}
	return reader, coercer, nil
}

func (r *run) onMalformed(err *Error) error {
	if r.spec.Options.OnMalformedRecord != PolicySkip {
		return err
	}
	r.recordsSkipped.Add(1)
	r.log.Warn("skipping malformed record", zap.Int64("row", err.FirstRow), zap.Error(err.Err))
	return nil
}

func (r *run) initialize(ctx context.Context) error {
	r.setState(StateInitializing)
	sctx, cancel := r.sinkContext(ctx)
	defer cancel()
	if err := r.e.Sink.Initialize(sctx, r.spec.Target, r.spec.Schema); err != nil {
		return r.classify(ctx, err, KindSinkWriteError)
	}
	r.log.Info("target initialized", zap.Int("columns", r.spec.Schema.Len()))
	r.setState(StateStreaming)
	return nil
}

func (r *run) sequential(ctx context.Context, reader ChunkReader, coercer *Coercer) error {
	if err := r.initialize(ctx); err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return NewError(KindCanceled, err)
		}
		raw, err := reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return r.classify(ctx, err, KindSourceUnavailable)
		}
		typed, err := r.coerce(coercer, raw)
		if err != nil {
			return err
		}
		if typed == nil {
			r.reportSkipped(raw.Index, raw.Len())
			continue
		}
		if err := r.append(ctx, typed); err != nil {
			return err
		}
	}
}

// coerce returns (nil, nil) when the batch was skipped by policy.
func (r *run) coerce(coercer *Coercer, raw *RawBatch) (*TypedBatch, error) {
	r.rowsRead.Add(int64(raw.Len()))
	typed, err := coercer.Coerce(raw)
	if err == nil {
		return typed, nil
	}
	kind := KindOf(err)
	skip := (kind == KindCoercionError && r.spec.Options.OnCoercionError == PolicySkip) ||
		(kind == KindMalformedRecord && r.spec.Options.OnMalformedRecord == PolicySkip)
	if !skip {
		r.log.Error("batch rejected", zap.Int("batch", raw.Index), zap.Error(err))
		return nil, err
	}
	r.batchesSkipped.Add(1)
	r.rowsSkipped.Add(int64(raw.Len()))
	r.log.Warn("skipping batch", zap.Int("batch", raw.Index),
		zap.Int64("first_row", raw.FirstRow), zap.Int64("last_row", raw.LastRow()), zap.Error(err))
	return nil, nil
}

func (r *run) reportSkipped(index, rows int) {
	r.report(Progress{Batch: index, Rows: rows, Skipped: true})
}

func (r *run) append(ctx context.Context, batch *TypedBatch) error {
	sctx, cancel := r.sinkContext(ctx)
	defer cancel()
	n, err := r.e.Sink.Append(sctx, r.spec.Target, batch)
	if err != nil {
		e := r.classify(ctx, err, KindSinkWriteError)
		if e.Batch < 0 {
			e.Batch, e.FirstRow, e.LastRow = batch.Index, batch.FirstRow, batch.LastRow()
		}
		return e
	}
	r.rowsWritten.Add(n)
	r.batchesWritten.Add(1)
	r.log.Info("batch written", zap.Int("batch", batch.Index), zap.Int64("rows", n),
		zap.Int64("total", r.rowsWritten.Load()))
	r.report(Progress{Batch: batch.Index, Rows: int(n)})
	return nil
}

func (r *run) report(p Progress) {
	if r.e.OnBatch == nil {
		return
	}
	p.RunID = r.res.RunID
	p.JobID = r.res.JobID
	p.RowsWritten = r.rowsWritten.Load()
	p.BatchesWritten = int(r.batchesWritten.Load())
	r.e.OnBatch(p)
}

func (r *run) sinkContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if t := r.spec.Options.SinkTimeout; t > 0 {
		return context.WithTimeout(ctx, t)
	}
	return context.WithCancel(ctx)
}

// classify maps a blocking-stage failure to an *Error. A done run context
// always wins: whatever the stage returned, the run was canceled.
func (r *run) classify(ctx context.Context, err error, def ErrorKind) *Error {
	if ctx.Err() != nil {
		var e *Error
		if errors.As(err, &e) && e.Kind == KindCanceled {
			return e
		}
		return &Error{Kind: KindCanceled, Batch: -1, Err: err}
	}
	return stageError(ctx, err, def)
}

func (r *run) snapshot() {
	r.res.RowsRead = r.rowsRead.Load()
	r.res.RowsWritten = r.rowsWritten.Load()
	r.res.RowsSkipped = r.rowsSkipped.Load()
	r.res.RecordsSkipped = r.recordsSkipped.Load()
	r.res.BatchesWritten = int(r.batchesWritten.Load())
	r.res.BatchesSkipped = int(r.batchesSkipped.Load())
	r.res.Duration = time.Since(r.start)
}

func (r *run) complete() *SyncResult {
	r.snapshot()
	r.res.Status = StatusCompleted
	r.setState(StateCompleted)
	r.log.Info("ingestion completed",
		zap.Int64("rows", r.res.RowsWritten),
		zap.Int("batches", r.res.BatchesWritten),
		zap.Int("skipped_batches", r.res.BatchesSkipped),
		zap.Duration("took", r.res.Duration))
	return r.res
}

func (r *run) fail(err error) (*SyncResult, error) {
	r.snapshot()
	r.res.Status = StatusFailed
	r.res.ErrorKind = KindOf(err)
	r.res.Error = err.Error()
	r.setState(StateFailed)
	r.log.Error("ingestion failed",
		zap.String("kind", string(r.res.ErrorKind)),
		zap.Int64("rows_committed", r.res.RowsWritten),
		zap.Int("batches_committed", r.res.BatchesWritten),
		zap.Error(err))
	return r.res, err
}
