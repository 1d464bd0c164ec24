package sources

import (
	"compress/bzip2"
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
	"go.uber.org/zap"

	"tripload/internal/etl"
)

// ── Locators ───────────────────────────────────────────────
// A locator is a local path, file://, http(s):// or s3:// URI. The
// byte stream behind it is decompressed by file suffix before any
// format sees it.

func init() { etl.SetDetector(DetectFormat) }

// compression suffixes, longest first.
var compressionSuffixes = []string{".gzip", ".zstd", ".gz", ".zst", ".xz", ".bz2"}

// locatorPath returns the path part of a locator, without query string.
func locatorPath(locator string) string {
	if u, err := url.Parse(locator); err == nil && u.Scheme != "" && len(u.Scheme) > 1 {
		return u.Path
	}
	return locator
}

// splitCompression strips a known compression suffix from name.
func splitCompression(name string) (base, codec string) {
	lower := strings.ToLower(name)
	for _, sfx := range compressionSuffixes {
		if strings.HasSuffix(lower, sfx) {
			return name[:len(name)-len(sfx)], sfx
		}
	}
	return name, ""
}

// DetectFormat maps a locator to "parquet", "tsv" or "csv".
// Anything that is not Parquet or TSV is read as comma-delimited text.
func DetectFormat(locator string) string {
	base, _ := splitCompression(locatorPath(locator))
	switch strings.ToLower(path.Ext(base)) {
	case ".parquet", ".pq":
		return "parquet"
	case ".tsv", ".tab":
		return "tsv"
	default:
		return "csv"
	}
}

// openLocator opens the decompressed byte stream behind locator.
func openLocator(ctx context.Context, locator string, opts etl.ReaderOptions) (io.ReadCloser, error) {
	raw, err := openRaw(ctx, locator, opts)
	if err != nil {
		return nil, err
	}
	_, codec := splitCompression(locatorPath(locator))
	rc, err := decompress(raw, codec)
	if err != nil {
		raw.Close()
		return nil, etl.NewError(etl.KindSourceUnavailable, errors.Wrapf(err, "decompress %s", locator))
	}
	return rc, nil
}

func openRaw(ctx context.Context, locator string, opts etl.ReaderOptions) (io.ReadCloser, error) {
	u, err := url.Parse(locator)
	if err != nil || len(u.Scheme) <= 1 {
		// Plain path; a one-letter scheme is a Windows drive.
		return openFile(locator)
	}
	switch strings.ToLower(u.Scheme) {
	case "file":
		return openFile(u.Path)
	case "http", "https":
		return openHTTP(ctx, locator, opts)
	case "s3":
		return openS3(ctx, u, opts)
	default:
		return nil, etl.Errorf(etl.KindSourceUnavailable, "unsupported locator scheme %q", u.Scheme)
	}
}

func openFile(name string) (io.ReadCloser, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, etl.NewError(etl.KindSourceUnavailable, errors.Wrap(err, "open source"))
	}
	return f, nil
}

// ── Decompression ──────────────────────────────────────────

func decompress(rc io.ReadCloser, codec string) (io.ReadCloser, error) {
	switch codec {
	case "":
		return rc, nil
	case ".gz", ".gzip":
		zr, err := gzip.NewReader(rc)
		if err != nil {
			return nil, err
		}
		return &stackedCloser{Reader: zr, closers: []io.Closer{zr, rc}}, nil
	case ".zst", ".zstd":
		zr, err := zstd.NewReader(rc)
		if err != nil {
			return nil, err
		}
		return &stackedCloser{Reader: zr, closers: []io.Closer{zstdCloser{zr}, rc}}, nil
	case ".xz":
		zr, err := xz.NewReader(rc)
		if err != nil {
			return nil, err
		}
		return &stackedCloser{Reader: zr, closers: []io.Closer{rc}}, nil
	case ".bz2":
		return &stackedCloser{Reader: bzip2.NewReader(rc), closers: []io.Closer{rc}}, nil
	default:
		return nil, errors.Errorf("unknown compression %q", codec)
	}
}

// stackedCloser closes a decoder and the stream beneath it, outermost first.
type stackedCloser struct {
	io.Reader
	closers []io.Closer
}

func (s *stackedCloser) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type zstdCloser struct{ d *zstd.Decoder }

func (z zstdCloser) Close() error {
	z.d.Close()
	return nil
}

// ── HTTP ───────────────────────────────────────────────────

func openHTTP(ctx context.Context, locator string, opts etl.ReaderOptions) (io.ReadCloser, error) {
	client := retryablehttp.NewClient()
	client.RetryMax = opts.HTTPRetries
	client.Logger = leveledLogger{opts.Logger.Named("http").Sugar()}
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	transport := cleanhttp.DefaultPooledTransport()
	if opts.Timeout > 0 {
		transport.ResponseHeaderTimeout = opts.Timeout
	}
	client.HTTPClient = &http.Client{Transport: transport}

	rctx, cancel := context.WithCancel(ctx)
	req, err := retryablehttp.NewRequestWithContext(rctx, http.MethodGet, locator, nil)
	if err != nil {
		cancel()
		return nil, etl.NewError(etl.KindSourceUnavailable, errors.Wrap(err, "build request"))
	}
	resp, err := client.Do(req)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, etl.NewError(etl.KindSourceUnavailable, errors.Wrapf(err, "fetch %s", locator))
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		cancel()
		return nil, etl.Errorf(etl.KindSourceUnavailable, "fetch %s: %s", locator, resp.Status)
	}
	opts.Logger.Debug("source opened", zap.String("url", locator), zap.Int64("content_length", resp.ContentLength))
	return newIdleReader(resp.Body, opts.Timeout, cancel), nil
}

// leveledLogger adapts zap to retryablehttp's LeveledLogger.
type leveledLogger struct{ s *zap.SugaredLogger }

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Infow(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }

// ── S3 ─────────────────────────────────────────────────────

func openS3(ctx context.Context, u *url.URL, opts etl.ReaderOptions) (io.ReadCloser, error) {
	cfg := aws.NewConfig()
	if opts.S3Region != "" {
		cfg = cfg.WithRegion(opts.S3Region)
	}
	if opts.S3Endpoint != "" {
		cfg = cfg.WithEndpoint(opts.S3Endpoint).WithS3ForcePathStyle(true)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, etl.NewError(etl.KindSourceUnavailable, errors.Wrap(err, "aws session"))
	}

	bucket, key := u.Host, strings.TrimPrefix(u.Path, "/")
	rctx, cancel := context.WithCancel(ctx)
	out, err := s3.New(sess).GetObjectWithContext(rctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if aerr, ok := err.(awserr.Error); ok {
			return nil, etl.Errorf(etl.KindSourceUnavailable, "s3://%s/%s: %s: %s", bucket, key, aerr.Code(), aerr.Message())
		}
		return nil, etl.NewError(etl.KindSourceUnavailable, errors.Wrapf(err, "fetch s3://%s/%s", bucket, key))
	}
	return newIdleReader(out.Body, opts.Timeout, cancel), nil
}

// ── Idle timeout ───────────────────────────────────────────

// idleReader cancels the underlying request when a single Read makes no
// progress for longer than timeout.
type idleReader struct {
	rc      io.ReadCloser
	timeout time.Duration
	cancel  context.CancelFunc
	timer   *time.Timer
	expired atomic.Bool
}

func newIdleReader(rc io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) io.ReadCloser {
	r := &idleReader{rc: rc, timeout: timeout, cancel: cancel}
	if timeout > 0 {
		r.timer = time.AfterFunc(timeout, func() {
			r.expired.Store(true)
			cancel()
		})
		r.timer.Stop()
	}
	return r
}

func (r *idleReader) Read(p []byte) (int, error) {
	if r.timer == nil {
		return r.rc.Read(p)
	}
	r.timer.Reset(r.timeout)
	n, err := r.rc.Read(p)
	r.timer.Stop()
	if err != nil && err != io.EOF && r.expired.Load() {
		return n, etl.Errorf(etl.KindSourceUnavailable, "source idle for %s", r.timeout)
	}
	return n, err
}

func (r *idleReader) Close() error {
	if r.timer != nil {
		r.timer.Stop()
	}
	err := r.rc.Close()
	r.cancel()
	return err
}
