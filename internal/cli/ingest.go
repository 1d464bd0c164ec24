package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"tripload/internal/etl"
	"tripload/internal/service"
)

// Output formats for run results.
const (
	outputText = "text"
	outputJSON = "json"
)

// sinkAliases are the connection flags shared by ingest and jobs add.
var sinkAliases = map[string]string{
	"sink.driver":    "driver",
	"sink.host":      "host",
	"sink.port":      "port",
	"sink.user":      "user",
	"sink.password":  "password",
	"sink.database":  "db",
	"sink.sslmode":   "sslmode",
	"sink.namespace": "namespace",
	"sink.table":     "table",
}

// runAliases are the run option flags shared by ingest and jobs add.
var runAliases = map[string]string{
	"schema.preset":           "preset",
	"schema.unknown-columns":  "unknown-columns",
	"run.chunk-size":          "chunk-size",
	"run.on-malformed-record": "on-malformed-record",
	"run.on-coercion-error":   "on-coercion-error",
	"run.pipelined":           "pipelined",
}

func addSinkFlags(flags *pflag.FlagSet) {
	flags.String("driver", "postgres", "Destination driver: postgres, mysql, sqlite or mongodb.")
	flags.String("host", "localhost", "Destination host. For sqlite, the database file path.")
	flags.Int("port", 5432, "Destination port.")
	flags.String("user", "root", "Destination user.")
	flags.String("password", "root", "Destination password.")
	flags.String("db", "ny_taxi", "Destination database.")
	flags.String("sslmode", "disable", "SSL mode (postgres) or \"require\" (mysql).")
	flags.String("namespace", "", "Destination schema (postgres) or database override.")
	flags.String("table", "", "Destination table. Defaults to <color>_taxi_data_<year>_<month>.")
}

func addRunFlags(flags *pflag.FlagSet) {
	flags.String("preset", "", "Schema preset. Defaults to <color>_taxi.")
	flags.String("unknown-columns", "drop", "What to do with source columns outside the schema: drop or reject.")
	flags.Int("chunk-size", etl.DefaultChunkSize, "Rows per batch.")
	flags.String("on-malformed-record", string(etl.PolicyAbort), "Malformed record policy: abort or skip.")
	flags.String("on-coercion-error", string(etl.PolicyAbort), "Coercion error policy: abort or skip.")
	flags.Bool("pipelined", false, "Overlap reading, coercion and writing.")
}

func mergeAliases(maps ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// newIngestCommand loads one source file into the destination table.
func newIngestCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var output string
	ingestCmd := &cobra.Command{
		Use:   "ingest [locator]",
		Short: "Load one source file into a table.",
		Long: `Loads a CSV, TSV or Parquet file into a destination table, replacing it.

The locator is a local path, file://, http(s):// or s3:// URL. Files ending
in .gz, .zst, .xz or .bz2 are decompressed while streaming. Without a
locator the monthly trip file for --color, --year and --month is fetched
from the NYC TLC data release.

	tripload ingest --color green --year 2020 --month 3
	tripload ingest trips.parquet --preset yellow_taxi --driver sqlite --host ./taxi.db
`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != outputText && output != outputJSON {
				return errors.Errorf("unknown output format %q", output)
			}
			e, err := loadEnv(cmd, mergeAliases(sinkAliases, runAliases, map[string]string{
				"source.url":          "url",
				"source.color":        "color",
				"source.year":         "year",
				"source.month":        "month",
				"source.timeout":      "source-timeout",
				"source.http-retries": "http-retries",
			}))
			if err != nil {
				return err
			}
			if len(args) == 1 {
				e.cfg.Source.URL = args[0]
			}

			schema, err := e.cfg.BuildSchema()
			if err != nil {
				return err
			}
			spec := &etl.RunSpec{
				Locator: e.cfg.Locator(),
				Schema:  schema,
				Target:  e.cfg.Target(),
				Options: e.cfg.RunOptions(),
			}

			svc, closeFn, err := e.openService(progressLogger(e.log), cmd.Flags().Changed("password"))
			if err != nil {
				return err
			}
			defer closeFn()

			ctx, cancel := signalContext(cmd)
			defer cancel()

			e.log.Info("ingesting",
				zap.String("locator", spec.Locator),
				zap.String("target", spec.Target.String()),
				zap.String("driver", e.cfg.Sink.Driver),
				zap.Int("chunk_size", spec.Options.ChunkSize))
			result, runErr := svc.RunAdHoc(ctx, spec, e.cfg.Connection())
			if result != nil {
				if err := printResult(cmd.OutOrStdout(), output, result); err != nil {
					return err
				}
			}
			return runErr
		},
	}

	flags := ingestCmd.Flags()
	flags.String("url", "", "Source locator. Overrides --color/--year/--month.")
	flags.String("color", "yellow", "Taxi color of the monthly release file.")
	flags.Int("year", 2021, "Year of the monthly release file.")
	flags.Int("month", 1, "Month of the monthly release file.")
	flags.Duration("source-timeout", 60*time.Second, "Idle timeout for remote reads.")
	flags.Int("http-retries", 0, "Retries for failed HTTP requests.")
	addSinkFlags(flags)
	addRunFlags(flags)
	flags.StringVarP(&output, "output", "o", outputText, "Result format: text or json.")

	return ingestCmd
}

// progressLogger logs every batch at info level.
func progressLogger(log *zap.Logger) service.EventEmitter {
	return service.EmitterFunc(func(_ context.Context, event string, data any) {
		p, ok := data.(etl.Progress)
		if !ok || event != service.EventBatch {
			return
		}
		if p.Skipped {
			log.Warn("skipped chunk", zap.Int("batch", p.Batch), zap.Int("rows", p.Rows))
			return
		}
		log.Info("inserted chunk",
			zap.Int("batch", p.Batch),
			zap.Int("rows", p.Rows),
			zap.Int64("rows_written", p.RowsWritten))
	})
}

// printResult writes a run result as a summary line or as JSON.
func printResult(w io.Writer, format string, res *etl.SyncResult) error {
	if format == outputJSON {
		return writeJSON(w, res)
	}
	if res.Status == etl.StatusCompleted {
		_, err := fmt.Fprintf(w, "completed: %d rows in %d batches (%d skipped) in %s\n",
			res.RowsWritten, res.BatchesWritten, res.BatchesSkipped, res.Duration.Round(time.Millisecond))
		return err
	}
	_, err := fmt.Fprintf(w, "failed (%s): %d rows in %d batches written before: %s\n",
		res.ErrorKind, res.RowsWritten, res.BatchesWritten, res.Error)
	return err
}
