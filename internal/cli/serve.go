package cli

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tripload/internal/metrics"
	"tripload/internal/service"
)

// shutdownTimeout bounds how long serve waits for in-flight runs.
const shutdownTimeout = 30 * time.Second

func newServeCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled and file-watch jobs until interrupted.",
		Long: `Starts the cron scheduler and file watchers for every enabled job with a
schedule or file_watch trigger. With --metrics.addr set, Prometheus metrics
are served on /metrics.

The first interrupt waits for running loads to finish; they are not
cancelled mid-batch.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd, nil)
			if err != nil {
				return err
			}
			svc, closeFn, err := e.openService(service.LogEmitter{Logger: e.log.Named("events")}, false)
			if err != nil {
				return err
			}
			defer closeFn()

			ctx, cancel := signalContext(cmd)
			defer cancel()

			var srv *http.Server
			if reg := e.withMetrics(svc); reg != nil {
				ln, err := net.Listen("tcp", e.cfg.Metrics.Addr)
				if err != nil {
					return errors.Wrapf(err, "listen on %s", e.cfg.Metrics.Addr)
				}
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler(reg))
				srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
						e.log.Error("metrics server", zap.Error(err))
					}
				}()
				e.log.Info("serving metrics", zap.String("addr", ln.Addr().String()))
			}

			svc.RestartWatchers(ctx)
			e.log.Info("waiting for triggers")
			<-ctx.Done()

			e.log.Info("shutting down", zap.Strings("running", svc.Running()))
			svc.Stop()
			waitCtx, waitCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer waitCancel()
			svc.WaitRunning(waitCtx)
			if srv != nil {
				if err := srv.Shutdown(waitCtx); err != nil {
					e.log.Warn("metrics server shutdown", zap.Error(err))
				}
			}
			return nil
		},
	}
	serveCmd.Flags().String("metrics.addr", "", "Address for the Prometheus /metrics endpoint, e.g. :9090.")
	return serveCmd
}
