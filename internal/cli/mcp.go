package cli

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	mcpserver "tripload/internal/mcp"
	"tripload/internal/service"
)

func newMCPCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	mcpCmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve ingestion tools to AI agents over MCP on stdin/stdout.",
		Long: `Runs a Model Context Protocol server on stdin/stdout. Ad-hoc loads go to the
configured sink connection; stored jobs use their own. Progress events are
sent to the client as notifications.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd, nil)
			if err != nil {
				return err
			}

			var srv *mcpserver.Server
			forward := service.EmitterFunc(func(ctx context.Context, event string, data any) {
				if srv != nil {
					srv.Emit(ctx, event, data)
				}
			})
			svc, closeFn, err := e.openService(forward, false)
			if err != nil {
				return err
			}
			defer closeFn()

			srv = mcpserver.New(mcpserver.Deps{
				Ingest:     svc,
				Connection: e.cfg.Connection(),
				Options:    e.cfg.RunOptions(),
				Logger:     e.log,
				Version:    Version,
			})
			return srv.ServeStdio()
		},
	}
	return mcpCmd
}
