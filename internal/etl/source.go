package etl

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ── ChunkReader ────────────────────────────────────────────
// A ChunkReader decodes one tabular source into a lazy, finite,
// single-pass sequence of RawBatches. Re-reading means re-opening.
// Implementations live in etl/sources/, one file per format.

// ChunkReader is the interface every source format must implement.
type ChunkReader interface {
	// Columns returns the source header. It is known once Open succeeds.
	Columns() []string

	// Next returns the next batch of at most ChunkSize rows in source order,
	// or io.EOF once the source is exhausted. After io.EOF every call
	// returns io.EOF again.
	Next(ctx context.Context) (*RawBatch, error)

	// Close releases the underlying stream.
	Close() error
}

// MalformedFunc decides what happens to a malformed record. Returning nil
// skips the record; returning an error aborts the read with that error.
type MalformedFunc func(err *Error) error

// ReaderOptions configures how a source is opened and decoded.
type ReaderOptions struct {
	ChunkSize   int
	Timeout     time.Duration // idle timeout on each remote read; 0 disables
	HTTPRetries int
	S3Region    string
	S3Endpoint  string // non-AWS endpoints such as MinIO
	TempDir     string // spool directory for remote Parquet
	OnMalformed MalformedFunc
	Logger      *zap.Logger
}

// DefaultChunkSize is the batch size used when none is configured.
const DefaultChunkSize = 10000

// Normalize fills defaults. Readers call it before using options.
func (o ReaderOptions) Normalize() ReaderOptions {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.OnMalformed == nil {
		o.OnMalformed = func(err *Error) error { return err }
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// OpenFunc opens a locator of one format.
type OpenFunc func(ctx context.Context, locator string, opts ReaderOptions) (ChunkReader, error)

// ── Format Registry ────────────────────────────────────────
// Compile-time registration via init() in each source file.

var (
	registryMu sync.RWMutex
	registry   = map[string]OpenFunc{}
)

// RegisterFormat registers an opener under a format name ("csv", "parquet").
func RegisterFormat(format string, open OpenFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[format] = open
}

// GetFormat returns the opener registered for format.
func GetFormat(format string) (OpenFunc, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	open, ok := registry[format]
	if !ok {
		return nil, fmt.Errorf("unknown source format: %q", format)
	}
	return open, nil
}

// ListFormats returns the registered format names.
func ListFormats() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Detector maps a locator to a registered format name.
type Detector func(locator string) string

var detector Detector = func(string) string { return "csv" }

// SetDetector installs the locator-to-format mapping. etl/sources sets it
// from init alongside its formats.
func SetDetector(d Detector) {
	registryMu.Lock()
	defer registryMu.Unlock()
	detector = d
}

// Open picks the format for locator and opens it.
func Open(ctx context.Context, locator string, opts ReaderOptions) (ChunkReader, error) {
	registryMu.RLock()
	format := detector(locator)
	registryMu.RUnlock()

	open, err := GetFormat(format)
	if err != nil {
		return nil, NewError(KindSourceUnavailable, err)
	}
	return open(ctx, locator, opts.Normalize())
}
