package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/seantiz/cosim/internal/config"
	"github.com/seantiz/cosim/internal/demo"
	"github.com/seantiz/cosim/internal/framework"
)

func init() {
	rootCmd.AddCommand(backendsCmd)
	rootCmd.AddCommand(scenariosCmd)
}

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List the execution backends a run can submit to",
	RunE:  runBackends,
}

func runBackends(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}
	fw := framework.New(cfg, config.NewLogger(os.Stderr, cfg.LogLevel), nil)
	defer fw.Close()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tBINDINGS\tMAX CONCURRENCY\tDISTRIBUTED")
	for _, b := range fw.Registry().List() {
		limit := "unlimited"
		if b.Capabilities.MaxConcurrency > 0 {
			limit = fmt.Sprint(b.Capabilities.MaxConcurrency)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\n",
			b.Name,
			strings.Join(b.Capabilities.Bindings, ","),
			limit,
			b.Capabilities.Distributed,
		)
	}
	return w.Flush()
}

var scenariosCmd = &cobra.Command{
	Use:   "scenarios",
	Short: "List the reference scenarios",
	Run: func(cmd *cobra.Command, _ []string) {
		for _, name := range demo.Names() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
	},
}
