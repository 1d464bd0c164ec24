package sources

import (
	"context"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tripload/internal/etl"
)

// ── Parquet Source ─────────────────────────────────────────
// Decodes row groups through arrow record readers sized to the chunk.
// Parquet needs random access, so anything that is not a plain local
// file is first spooled to a temporary file.

func init() { etl.RegisterFormat("parquet", openParquet) }

type parquetReader struct {
	pf      *file.Reader
	rr      pqarrow.RecordReader
	header  []string
	opts    etl.ReaderOptions
	rec     arrow.Record
	pos     int
	index   int
	row     int64
	done    bool
	cleanup func()
}

func openParquet(ctx context.Context, locator string, opts etl.ReaderOptions) (etl.ChunkReader, error) {
	opts = opts.Normalize()
	name, cleanup, err := localParquet(ctx, locator, opts)
	if err != nil {
		return nil, err
	}

	pf, err := file.OpenParquetFile(name, false)
	if err != nil {
		cleanup()
		return nil, etl.NewError(etl.KindMalformedRecord, errors.Wrap(err, "open parquet"))
	}
	fail := func(err error) (etl.ChunkReader, error) {
		pf.Close()
		cleanup()
		return nil, etl.NewError(etl.KindMalformedRecord, err)
	}

	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{BatchSize: int64(opts.ChunkSize)}, memory.DefaultAllocator)
	if err != nil {
		return fail(errors.Wrap(err, "arrow reader"))
	}
	schema, err := fr.Schema()
	if err != nil {
		return fail(errors.Wrap(err, "parquet schema"))
	}
	rr, err := fr.GetRecordReader(ctx, nil, nil)
	if err != nil {
		return fail(errors.Wrap(err, "record reader"))
	}

	header := make([]string, len(schema.Fields()))
	for i, f := range schema.Fields() {
		header[i] = f.Name
	}
	opts.Logger.Debug("parquet source opened",
		zap.String("locator", locator),
		zap.Int("row_groups", pf.NumRowGroups()),
		zap.Int64("rows", pf.NumRows()))

	return &parquetReader{pf: pf, rr: rr, header: header, opts: opts, cleanup: cleanup}, nil
}

// localParquet returns a local path for locator, spooling remote or
// compressed sources to opts.TempDir.
func localParquet(ctx context.Context, locator string, opts etl.ReaderOptions) (string, func(), error) {
	p := locatorPath(locator)
	if _, codec := splitCompression(p); codec == "" && !isRemote(locator) {
		if _, err := os.Stat(p); err != nil {
			return "", nil, etl.NewError(etl.KindSourceUnavailable, errors.Wrap(err, "open source"))
		}
		return p, func() {}, nil
	}

	src, err := openLocator(ctx, locator, opts)
	if err != nil {
		return "", nil, err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(opts.TempDir, "tripload-*.parquet")
	if err != nil {
		return "", nil, etl.NewError(etl.KindSourceUnavailable, errors.Wrap(err, "spool file"))
	}
	cleanup := func() { os.Remove(tmp.Name()) }
	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		cleanup()
		if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}
		return "", nil, etl.NewError(etl.KindSourceUnavailable, errors.Wrap(err, "spool source"))
	}
	opts.Logger.Debug("parquet source spooled", zap.String("path", tmp.Name()), zap.Int64("bytes", n))
	return tmp.Name(), cleanup, nil
}

func isRemote(locator string) bool {
	u, err := url.Parse(locator)
	if err != nil || len(u.Scheme) <= 1 {
		return false
	}
	return !strings.EqualFold(u.Scheme, "file")
}

func (p *parquetReader) Columns() []string { return p.header }

func (p *parquetReader) Next(ctx context.Context) (*etl.RawBatch, error) {
	if p.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := &etl.RawBatch{Index: p.index, FirstRow: p.row + 1, Columns: p.header}
	for len(b.Rows) < p.opts.ChunkSize {
		if p.rec == nil || p.pos >= int(p.rec.NumRows()) {
			if !p.advance() {
				if err := p.rr.Err(); err != nil && err != io.EOF {
					p.done = true
					return nil, &etl.Error{Kind: etl.KindMalformedRecord, Batch: p.index, FirstRow: p.row + 1, Err: errors.Wrap(err, "decode parquet")}
				}
				p.done = true
				break
			}
		}
		take := min(p.opts.ChunkSize-len(b.Rows), int(p.rec.NumRows())-p.pos)
		for i := p.pos; i < p.pos+take; i++ {
			row := make([]any, p.rec.NumCols())
			for j := range row {
				row[j] = cell(p.rec.Column(j), i)
			}
			b.Rows = append(b.Rows, row)
		}
		p.pos += take
		p.row += int64(take)
	}
	if len(b.Rows) == 0 {
		return nil, io.EOF
	}
	p.index++
	return b, nil
}

// advance moves to the next arrow record, releasing the current one.
func (p *parquetReader) advance() bool {
	if p.rec != nil {
		p.rec.Release()
		p.rec = nil
	}
	if !p.rr.Next() {
		return false
	}
	p.rec = p.rr.Record()
	p.rec.Retain()
	p.pos = 0
	return true
}

func (p *parquetReader) Close() error {
	p.done = true
	if p.rec != nil {
		p.rec.Release()
		p.rec = nil
	}
	p.rr.Release()
	err := p.pf.Close()
	p.cleanup()
	return err
}

// cell converts one arrow value into the semi-typed cells the coercer
// accepts: nil, int64, float64, string, bool or time.Time.
func cell(col arrow.Array, i int) any {
	if col.IsNull(i) {
		return nil
	}
	switch a := col.(type) {
	case *array.Int64:
		return a.Value(i)
	case *array.Int32:
		return int64(a.Value(i))
	case *array.Int16:
		return int64(a.Value(i))
	case *array.Int8:
		return int64(a.Value(i))
	case *array.Uint32:
		return int64(a.Value(i))
	case *array.Uint16:
		return int64(a.Value(i))
	case *array.Uint8:
		return int64(a.Value(i))
	case *array.Uint64:
		return a.Value(i)
	case *array.Float64:
		return a.Value(i)
	case *array.Float32:
		return float64(a.Value(i))
	case *array.String:
		return a.Value(i)
	case *array.LargeString:
		return a.Value(i)
	case *array.Binary:
		return string(a.Value(i))
	case *array.Boolean:
		return a.Value(i)
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return a.Value(i).ToTime(unit).UTC()
	case *array.Date32:
		return a.Value(i).ToTime().UTC()
	case *array.Date64:
		return a.Value(i).ToTime().UTC()
	case *array.Dictionary:
		return cell(a.Dictionary(), a.GetValueIndex(i))
	default:
		return col.ValueStr(i)
	}
}
