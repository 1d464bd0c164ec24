package sources

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tripload/internal/etl"
)

// ── Delimited Text Source ──────────────────────────────────
// Reads comma- or tab-separated text with a header row, chunk by chunk.
// Only one batch of rows is held at a time.

func init() {
	etl.RegisterFormat("csv", openDelimited(','))
	etl.RegisterFormat("tsv", openDelimited('\t'))
}

type csvReader struct {
	rc     io.ReadCloser
	r      *csv.Reader
	header []string
	opts   etl.ReaderOptions
	index  int
	row    int64 // data rows consumed, malformed ones included
	done   bool
}

func openDelimited(comma rune) etl.OpenFunc {
	return func(ctx context.Context, locator string, opts etl.ReaderOptions) (etl.ChunkReader, error) {
		opts = opts.Normalize()
		rc, err := openLocator(ctx, locator, opts)
		if err != nil {
			return nil, err
		}
		r := csv.NewReader(rc)
		r.Comma = comma

		c := &csvReader{rc: rc, r: r, opts: opts}
		header, err := r.Read()
		switch {
		case err == io.EOF:
			c.done = true
		case err != nil:
			rc.Close()
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				return nil, etl.NewError(etl.KindMalformedRecord, errors.Wrap(err, "header"))
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, etl.NewError(etl.KindSourceUnavailable, errors.Wrap(err, "read header"))
		default:
			c.header = make([]string, len(header))
			for i, h := range header {
				c.header[i] = strings.TrimSpace(h)
			}
			if len(c.header) > 0 {
				c.header[0] = strings.TrimPrefix(c.header[0], "\ufeff")
			}
		}
		opts.Logger.Debug("delimited source opened", zap.String("locator", locator), zap.Strings("header", c.header))
		return c, nil
	}
}

func (c *csvReader) Columns() []string { return c.header }

func (c *csvReader) Next(ctx context.Context) (*etl.RawBatch, error) {
	if c.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := &etl.RawBatch{Index: c.index, FirstRow: c.row + 1, Columns: c.header}
	for len(b.Rows) < c.opts.ChunkSize {
		rec, err := c.r.Read()
		if err == io.EOF {
			c.done = true
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if !errors.As(err, &pe) {
				return nil, err
			}
			c.row++
			merr := &etl.Error{Kind: etl.KindMalformedRecord, Batch: c.index, FirstRow: c.row, LastRow: c.row, Err: err}
			if herr := c.opts.OnMalformed(merr); herr != nil {
				return nil, herr
			}
			continue
		}
		c.row++
		if len(b.Rows) == 0 {
			b.FirstRow = c.row
		}
		b.RowNums = append(b.RowNums, c.row)
		row := make([]any, len(rec))
		for i, v := range rec {
			row[i] = v
		}
		b.Rows = append(b.Rows, row)
	}
	if len(b.Rows) == 0 {
		return nil, io.EOF
	}
	if b.LastRow() == b.FirstRow+int64(len(b.Rows))-1 {
		b.RowNums = nil // contiguous
	}
	c.index++
	return b, nil
}

func (c *csvReader) Close() error {
	c.done = true
	return c.rc.Close()
}
