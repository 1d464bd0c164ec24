package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"tripload/internal/domain"
	"tripload/internal/etl"
	"tripload/internal/service"
)

func newJobsCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage stored ingestion jobs.",
		Long: `Stored jobs remember a source, a schema and a destination so a load can be
re-run by name, on a cron schedule or whenever a watched file changes.
Schedules and file watches fire while "tripload serve" is running.`,
	}
	jobsCmd.AddCommand(newJobsAddCommand(stdin, stdout, stderr))
	jobsCmd.AddCommand(newJobsListCommand(stdin, stdout, stderr))
	jobsCmd.AddCommand(newJobsRunCommand(stdin, stdout, stderr))
	jobsCmd.AddCommand(newJobsDeleteCommand(stdin, stdout, stderr))
	jobsCmd.AddCommand(newJobsRunsCommand(stdin, stdout, stderr))
	return jobsCmd
}

func newJobsAddCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var (
		locator       string
		triggerType   string
		triggerConfig string
		disabled      bool
	)
	addCmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Store a new ingestion job.",
		Long: `Stores a job. The destination connection is taken from the sink settings;
a --password given here is saved in the keychain for that connection.
On systems without a keychain set TRIPLOAD_SECRET_<CONNECTION> or
TRIPLOAD_DB_PASSWORD instead.

	tripload jobs add zones --locator ./taxi_zone_lookup.csv --preset taxi_zone_lookup --table zones
	tripload jobs add nightly --locator s3://bucket/trips.parquet --preset yellow_taxi --table trips \
		--trigger schedule --trigger-config "0 3 * * *"
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd, mergeAliases(sinkAliases, runAliases))
			if err != nil {
				return err
			}
			if e.cfg.Schema.Preset == "" {
				return errors.New("--preset is required")
			}
			if e.cfg.Sink.Table == "" {
				return errors.New("--table is required")
			}
			svc, closeFn, err := e.openService(nil, false)
			if err != nil {
				return err
			}
			defer closeFn()

			input := service.CreateJobInput{
				Name:          args[0],
				Locator:       locator,
				SchemaPreset:  e.cfg.Schema.Preset,
				Connection:    e.cfg.Connection(),
				Target:        e.cfg.Target(),
				Options:       e.cfg.RunOptions(),
				TriggerType:   triggerType,
				TriggerConfig: triggerConfig,
				Enabled:       !disabled,
			}
			if cmd.Flags().Changed("password") {
				input.Password = e.cfg.Sink.Password
			}
			job, err := svc.CreateJob(cmd.Context(), input)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created job %s (%s)\n", job.Name, job.ID)
			return nil
		},
	}
	flags := addCmd.Flags()
	flags.StringVar(&locator, "locator", "", "Source path or URL.")
	flags.StringVar(&triggerType, "trigger", etl.TriggerManual, "Trigger: manual, schedule or file_watch.")
	flags.StringVar(&triggerConfig, "trigger-config", "", "Cron expression (schedule) or watched path (file_watch).")
	flags.BoolVar(&disabled, "disabled", false, "Store the job without enabling its trigger.")
	addSinkFlags(flags)
	addRunFlags(flags)
	_ = addCmd.MarkFlagRequired("locator")
	return addCmd
}

func newJobsListCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var output string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored jobs.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd, nil)
			if err != nil {
				return err
			}
			svc, closeFn, err := e.openService(nil, false)
			if err != nil {
				return err
			}
			defer closeFn()

			jobs, err := svc.ListJobs()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if output == outputJSON {
				return writeJSON(w, jobs)
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSCHEMA\tTARGET\tTRIGGER\tENABLED\tLAST RUN\tSTATUS")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
					j.Name, j.SchemaPreset, j.Target, trigger(j), j.Enabled, when(j.LastRunAt), j.LastStatus)
			}
			return tw.Flush()
		},
	}
	listCmd.Flags().StringVarP(&output, "output", "o", outputText, "Output format: text or json.")
	return listCmd
}

func newJobsRunCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var output string
	runCmd := &cobra.Command{
		Use:   "run <name|id>",
		Short: "Run a stored job now.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd, nil)
			if err != nil {
				return err
			}
			svc, closeFn, err := e.openService(progressLogger(e.log), false)
			if err != nil {
				return err
			}
			defer closeFn()

			job, err := svc.FindJob(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()

			result, runErr := svc.RunJob(ctx, job.ID)
			if result != nil {
				if err := printResult(cmd.OutOrStdout(), output, result); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	runCmd.Flags().StringVarP(&output, "output", "o", outputText, "Result format: text or json.")
	return runCmd
}

func newJobsDeleteCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name|id>",
		Short: "Delete a stored job and its run history.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd, nil)
			if err != nil {
				return err
			}
			svc, closeFn, err := e.openService(nil, false)
			if err != nil {
				return err
			}
			defer closeFn()

			job, err := svc.FindJob(args[0])
			if err != nil {
				return err
			}
			if err := svc.DeleteJob(cmd.Context(), job.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted job %s\n", job.Name)
			return nil
		},
	}
}

func newJobsRunsCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var (
		output string
		limit  int
	)
	runsCmd := &cobra.Command{
		Use:   "runs [name|id]",
		Short: "Show run history, newest first.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd, nil)
			if err != nil {
				return err
			}
			svc, closeFn, err := e.openService(nil, false)
			if err != nil {
				return err
			}
			defer closeFn()

			jobID := ""
			if len(args) == 1 {
				job, err := svc.FindJob(args[0])
				if err != nil {
					return err
				}
				jobID = job.ID
			}
			runs, err := svc.ListRunLogs(jobID, limit)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if output == outputJSON {
				return writeJSON(w, runs)
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tSTATUS\tKIND\tROWS\tBATCHES\tSKIPPED\tDURATION")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
					when(r.StartedAt), r.Status, r.ErrorKind, r.RowsWritten, r.BatchesWritten, r.BatchesSkipped,
					r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
			}
			return tw.Flush()
		},
	}
	runsCmd.Flags().StringVarP(&output, "output", "o", outputText, "Output format: text or json.")
	runsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs.")
	return runsCmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func trigger(j etl.IngestJob) string {
	if j.TriggerConfig == "" {
		return j.TriggerType
	}
	return j.TriggerType + " " + j.TriggerConfig
}

func when(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(domain.DefaultTimestampLayout)
}
