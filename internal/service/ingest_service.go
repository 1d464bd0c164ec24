package service

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"tripload/internal/dbclient"
	"tripload/internal/domain"
	"tripload/internal/etl"
	"tripload/internal/metrics"
	"tripload/internal/secret"
	"tripload/internal/storage"
)

// ─────────────────────────────────────────────────────────────
// Ingest Service: stored jobs, ad-hoc runs, triggers
// ─────────────────────────────────────────────────────────────

// ErrAlreadyRunning is returned when a job or target is already being loaded.
var ErrAlreadyRunning = errors.New("already running")

// SinkFactory opens a sink for a connection.
type SinkFactory func(conn *domain.DatabaseConnection, password string, logger *zap.Logger) (dbclient.Sink, error)

// fileWatchDebounce collapses bursts of writes to a watched file into one run.
const fileWatchDebounce = 500 * time.Millisecond

// IngestService runs ingestion jobs, schedules them and watches their files.
type IngestService struct {
	store   *storage.IngestStore
	secrets secret.SecretStore
	emitter EventEmitter
	log     *zap.Logger

	// Metrics, when set, counts every run.
	Metrics *metrics.Recorder
	// NewSink defaults to dbclient.NewSink.
	NewSink SinkFactory
	// Open defaults to etl.Open.
	Open    etl.OpenFunc

	running runningGuard

	// watcher / cron lifecycle
	mu          sync.Mutex
	watchCancel context.CancelFunc
	watcher     *fsnotify.Watcher
	cronSched   *cron.Cron
}

// NewIngestService creates an IngestService. store may be nil for
// ad-hoc runs only; emitter and logger may be nil.
func NewIngestService(
	store *storage.IngestStore,
	secrets secret.SecretStore,
	emitter EventEmitter,
	logger *zap.Logger,
) *IngestService {
	if emitter == nil {
		emitter = NopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if secrets == nil {
		secrets = secret.Static{}
	}
	return &IngestService{
		store:   store,
		secrets: secrets,
		emitter: emitter,
		log:     logger.Named("ingest"),
		NewSink: dbclient.NewSink,
	}
}

// ── Job CRUD ───────────────────────────────────────────────

// CreateJobInput is the service-layer DTO for creating/updating jobs.
type CreateJobInput struct {
	Name          string                    `json:"name"`
	Locator       string                    `json:"locator"`
	SchemaPreset  string                    `json:"schema"`
	Connection    domain.DatabaseConnection `json:"connection"`
	Password      string                    `json:"password,omitempty"`
	Target        domain.SinkTarget         `json:"target"`
	Options       etl.RunOptions            `json:"options"`
	TriggerType   string                    `json:"triggerType"`
	TriggerConfig string                    `json:"triggerConfig"`
	Enabled       bool                      `json:"enabled"`
}

func (in *CreateJobInput) validate() error {
	if in.Name == "" {
		return errors.New("job name is required")
	}
	if in.TriggerType == "" {
		in.TriggerType = etl.TriggerManual
	}
	job := etl.IngestJob{
		Locator: in.Locator, SchemaPreset: in.SchemaPreset, Target: in.Target, Options: in.Options,
	}
	spec, err := job.Spec()
	if err != nil {
		return err
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	switch in.TriggerType {
	case etl.TriggerManual:
	case etl.TriggerSchedule:
		if _, err := cron.ParseStandard(in.TriggerConfig); err != nil {
			return errors.Wrapf(err, "schedule %q", in.TriggerConfig)
		}
	case etl.TriggerFileWatch:
		if in.TriggerConfig == "" {
			return errors.New("file_watch trigger needs a path")
		}
	default:
		return errors.Errorf("unknown trigger type %q", in.TriggerType)
	}
	return nil
}

func (s *IngestService) CreateJob(ctx context.Context, input CreateJobInput) (*etl.IngestJob, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}
	job := &etl.IngestJob{
		Name:          input.Name,
		Locator:       input.Locator,
		SchemaPreset:  input.SchemaPreset,
		Connection:    input.Connection,
		Target:        input.Target,
		Options:       input.Options,
		TriggerType:   input.TriggerType,
		TriggerConfig: input.TriggerConfig,
		Enabled:       input.Enabled,
	}
	if err := s.store.CreateJob(job); err != nil {
		return nil, err
	}
	if err := s.savePassword(job.Connection, input.Password); err != nil {
		return nil, err
	}
	s.RestartWatchers(ctx)
	return job, nil
}

func (s *IngestService) GetJob(id string) (*etl.IngestJob, error) {
	return s.store.GetJob(id)
}

// FindJob accepts a job ID or name.
func (s *IngestService) FindJob(ref string) (*etl.IngestJob, error) {
	job, err := s.store.GetJob(ref)
	if errors.Is(err, storage.ErrNotFound) {
		return s.store.GetJobByName(ref)
	}
	return job, err
}

func (s *IngestService) ListJobs() ([]etl.IngestJob, error) {
	return s.store.ListJobs()
}

func (s *IngestService) UpdateJob(ctx context.Context, id string, input CreateJobInput) error {
	if err := input.validate(); err != nil {
		return err
	}
	job, err := s.store.GetJob(id)
	if err != nil {
		return err
	}
	job.Name = input.Name
	job.Locator = input.Locator
	job.SchemaPreset = input.SchemaPreset
	job.Connection = input.Connection
	job.Target = input.Target
	job.Options = input.Options
	job.TriggerType = input.TriggerType
	job.TriggerConfig = input.TriggerConfig
	job.Enabled = input.Enabled

	if err := s.store.UpdateJob(job); err != nil {
		return err
	}
	if err := s.savePassword(job.Connection, input.Password); err != nil {
		return err
	}
	s.RestartWatchers(ctx)
	return nil
}

func (s *IngestService) DeleteJob(ctx context.Context, id string) error {
	err := s.store.DeleteJob(id)
	if err == nil {
		s.RestartWatchers(ctx)
	}
	return err
}

// ListRunLogs returns the newest run logs of a job, or of every run when
// jobID is empty.
func (s *IngestService) ListRunLogs(jobID string, limit int) ([]etl.SyncRunLog, error) {
	return s.store.ListRunLogs(jobID, limit)
}

// ── Run ────────────────────────────────────────────────────

// RunJob executes a stored job synchronously. A second call for the same
// job while the first is running fails with ErrAlreadyRunning.
func (s *IngestService) RunJob(ctx context.Context, id string) (*etl.SyncResult, error) {
	if !s.running.TryLock(id) {
		return nil, errors.Wrapf(ErrAlreadyRunning, "job %s", id)
	}
	defer s.running.Unlock(id)

	job, err := s.store.GetJob(id)
	if err != nil {
		return nil, err
	}
	spec, err := job.Spec()
	if err != nil {
		return nil, err
	}

	if err := s.store.UpdateJobStatus(id, etl.StatusRunning, ""); err != nil {
		s.log.Warn("update job status", zap.String("job", id), zap.Error(err))
	}
	result, runErr := s.execute(ctx, spec, job.Connection)

	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}
	if err := s.store.UpdateJobStatus(id, result.Status, errMsg); err != nil {
		s.log.Warn("update job status", zap.String("job", id), zap.Error(err))
	}
	return result, runErr
}

// RunAdHoc executes spec against conn without a stored job. Runs into the
// same destination table are serialized the same way jobs are.
func (s *IngestService) RunAdHoc(ctx context.Context, spec *etl.RunSpec, conn domain.DatabaseConnection) (*etl.SyncResult, error) {
	if spec == nil {
		return nil, errors.New("run spec is nil")
	}
	key := conn.SecretKey() + "#" + spec.Target.String()
	if !s.running.TryLock(key) {
		return nil, errors.Wrapf(ErrAlreadyRunning, "target %s", spec.Target)
	}
	defer s.running.Unlock(key)
	return s.execute(ctx, spec, conn)
}

// Preview reads and coerces the first rows of spec's source without
// touching any sink.
func (s *IngestService) Preview(ctx context.Context, spec *etl.RunSpec, maxRows int) (*etl.TypedBatch, []string, error) {
	engine := &etl.Engine{Open: s.Open, Logger: s.log}
	return engine.Preview(ctx, spec, maxRows)
}

// Running lists the jobs and targets currently being loaded.
func (s *IngestService) Running() []string {
	return s.running.Running()
}

func (s *IngestService) execute(ctx context.Context, spec *etl.RunSpec, conn domain.DatabaseConnection) (*etl.SyncResult, error) {
	target := spec.Target.String()
	sink, err := s.openSink(conn)
	if err != nil {
		err = etl.NewError(etl.KindSinkWriteError, err)
		result := &etl.SyncResult{
			RunID:     uuid.New().String(),
			JobID:     spec.JobID,
			Status:    etl.StatusFailed,
			State:     etl.StateFailed,
			ErrorKind: etl.KindSinkWriteError,
			StartedAt: time.Now(),
			Error:     err.Error(),
		}
		s.finish(ctx, target, result)
		return result, err
	}
	defer sink.Close()

	engine := &etl.Engine{
		Sink:   sink,
		Open:   s.Open,
		Logger: s.log,
		OnBatch: func(p etl.Progress) {
			if s.Metrics != nil {
				s.Metrics.Batch(target, p)
			}
			s.emitter.Emit(ctx, EventBatch, p)
		},
	}
	result, runErr := engine.RunSync(ctx, spec)
	s.finish(ctx, target, result)
	return result, runErr
}

// finish records a run wherever it is observed.
func (s *IngestService) finish(ctx context.Context, target string, result *etl.SyncResult) {
	if s.Metrics != nil {
		s.Metrics.Run(target, result)
	}
	if s.store != nil {
		if err := s.store.CreateRunLog(result.RunLog()); err != nil {
			s.log.Warn("save run log", zap.String("run", result.RunID), zap.Error(err))
		}
	}
	if result.Status == etl.StatusCompleted {
		s.emitter.Emit(ctx, EventCompleted, result)
	} else {
		s.emitter.Emit(ctx, EventFailed, result)
	}
}

// ── Watchers (cron + file_watch) ──────────────────────────

// RestartWatchers tears down the current watcher/cron and rebuilds them
// from the enabled jobs. Triggered runs outlive ctx.
func (s *IngestService) RestartWatchers(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopWatchers()
	if s.store == nil {
		return
	}

	jobs, err := s.store.ListEnabledTriggeredJobs()
	if err != nil {
		s.log.Error("list triggered jobs", zap.Error(err))
		return
	}
	runCtx := context.WithoutCancel(ctx)
	trigger := func(jobID, reason string) {
		s.log.Info("triggered run", zap.String("job", jobID), zap.String("trigger", reason))
		if _, err := s.RunJob(runCtx, jobID); err != nil {
			s.log.Warn("triggered run failed", zap.String("job", jobID), zap.Error(err))
		}
	}

	// ── Cron jobs ──
	var c *cron.Cron
	for _, j := range jobs {
		if j.TriggerType != etl.TriggerSchedule || j.TriggerConfig == "" {
			continue
		}
		if c == nil {
			c = cron.New()
		}
		jid := j.ID
		if _, err := c.AddFunc(j.TriggerConfig, func() { trigger(jid, etl.TriggerSchedule) }); err != nil {
			s.log.Error("invalid schedule", zap.String("job", jid), zap.String("expr", j.TriggerConfig), zap.Error(err))
		}
	}
	if c != nil {
		c.Start()
		s.cronSched = c
		s.log.Info("cron started", zap.Int("entries", len(c.Entries())))
	}

	// ── File watchers ──
	pathToJob := make(map[string]string)
	for _, j := range jobs {
		if j.TriggerType != etl.TriggerFileWatch || j.TriggerConfig == "" {
			continue
		}
		absPath, err := filepath.Abs(j.TriggerConfig)
		if err != nil {
			s.log.Error("bad watch path", zap.String("path", j.TriggerConfig), zap.Error(err))
			continue
		}
		pathToJob[absPath] = j.ID
	}
	if len(pathToJob) == 0 {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Error("create watcher", zap.Error(err))
		return
	}
	s.watcher = watcher

	// Watch directories: editors and downloads replace files by rename.
	watchedDirs := make(map[string]bool)
	for absPath := range pathToJob {
		dir := filepath.Dir(absPath)
		if watchedDirs[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			s.log.Error("watch dir", zap.String("dir", dir), zap.Error(err))
			continue
		}
		watchedDirs[dir] = true
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	s.watchCancel = cancel

	go func() {
		timers := make(map[string]*time.Timer)
		defer func() {
			for _, t := range timers {
				t.Stop()
			}
		}()
		for {
			select {
			case <-watchCtx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				absPath, _ := filepath.Abs(event.Name)
				jobID, ok := pathToJob[absPath]
				if !ok {
					continue
				}
				if t, exists := timers[jobID]; exists {
					t.Stop()
				}
				jid := jobID
				timers[jobID] = time.AfterFunc(fileWatchDebounce, func() { trigger(jid, etl.TriggerFileWatch) })
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Warn("watcher error", zap.Error(err))
			}
		}
	}()

	s.log.Info("watching files", zap.Int("files", len(pathToJob)))
}

// WaitRunning blocks until all running jobs finish or ctx is cancelled.
// Used for graceful shutdown.
func (s *IngestService) WaitRunning(ctx context.Context) {
	s.running.WaitAll(ctx)
}

// Stop tears down all watchers and schedulers.
func (s *IngestService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopWatchers()
}

func (s *IngestService) stopWatchers() {
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
	if s.cronSched != nil {
		s.cronSched.Stop()
		s.cronSched = nil
	}
}
