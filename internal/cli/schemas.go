package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"tripload/internal/domain"
	"tripload/internal/etl"
)

func newSchemasCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var output string
	schemasCmd := &cobra.Command{
		Use:   "schemas [preset]",
		Short: "List schema presets and source formats.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			names := domain.PresetNames()
			if len(args) == 1 {
				names = args
			}
			w := cmd.OutOrStdout()

			type schemaInfo struct {
				Name    string          `json:"name"`
				Columns []domain.Column `json:"columns"`
			}
			out := make([]schemaInfo, 0, len(names))
			for _, name := range names {
				spec, err := domain.Preset(name)
				if err != nil {
					return err
				}
				out = append(out, schemaInfo{Name: name, Columns: spec.Columns()})
			}
			if output == outputJSON {
				return writeJSON(w, out)
			}

			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			for _, s := range out {
				fmt.Fprintf(tw, "%s\n", s.Name)
				for _, c := range s.Columns {
					fmt.Fprintf(tw, "  %s\t%s\n", c.Name, c.Type)
				}
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if len(args) == 0 {
				fmt.Fprintf(w, "\nformats: %s\n", strings.Join(etl.ListFormats(), ", "))
			}
			return nil
		},
	}
	schemasCmd.Flags().StringVarP(&output, "output", "o", outputText, "Output format: text or json.")
	return schemasCmd
}
