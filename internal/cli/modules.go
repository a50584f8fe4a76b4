package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newModulesCmd() *cobra.Command {
	var formatsPath string

	cmd := &cobra.Command{
		Use:   "modules",
		Short: "List the available modules and data formats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			reg := newModuleRegistry(logger)

			fmt.Fprintln(out, "Modules:")
			for _, name := range reg.Names() {
				m, err := reg.New(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "  %-16s  %s\n", name, m.Version())
			}

			formats, err := newFormatRegistry(formatsPath)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "\nFormats:")
			fmt.Fprintf(out, "  %-24s  %-14s  %-12s  %s\n", "NAME", "EXTENSIONS", "DESIGN", "GENERATOR")
			for _, f := range formats.Formats() {
				generator := ""
				if f.Generator != nil {
					generator = f.Generator.Module
				}
				fmt.Fprintf(out, "  %-24s  %-14s  %-12s  %s\n", f.Name, strings.Join(f.Extensions, ","), f.DesignField, generator)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&formatsPath, "formats", envString("FORMATS", ""), "Format catalog merged into the built-in formats (or PIPEFLOW_FORMATS env)")
	return cmd
}
