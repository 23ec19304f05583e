package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/cosim/internal/api"
	"github.com/seantiz/cosim/internal/config"
	"github.com/seantiz/cosim/internal/demo"
	"github.com/seantiz/cosim/internal/framework"
	"github.com/seantiz/cosim/internal/store"
)

var (
	runListen string
	runDB     string
	runHold   bool
)

func init() {
	runCmd.Flags().StringVar(&runListen, "listen", "", "Serve the introspection API on this address (overrides config)")
	runCmd.Flags().StringVar(&runDB, "db", "", "Task ledger path (overrides config)")
	runCmd.Flags().BoolVar(&runHold, "hold", false, "Keep serving the API after the run finishes, until interrupted")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run <scenario>",
	Short: "Run a reference scenario",
	Long: `Run one of the reference scenarios. The scenario transcript is written
to stdout and structured logs to stderr.

Scenarios: concurrent, pool, launch, distributed.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: demo.Names(),
	RunE:      runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	scenario, ok := demo.Scenarios[args[0]]
	if !ok {
		return fmt.Errorf("unknown scenario %q (available: %v)", args[0], demo.Names())
	}

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}
	if runListen != "" {
		cfg.ListenAddr = runListen
	}
	if runDB != "" {
		cfg.DBPath = runDB
	}

	logger := config.NewLogger(os.Stderr, cfg.LogLevel)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open task ledger: %w", err)
	}
	defer db.Close()

	fw := framework.New(cfg, logger, db)
	defer fw.Close()

	driver, err := scenario(fw, demo.NewTranscript(cmd.OutOrStdout()))
	if err != nil {
		return fmt.Errorf("set up %s: %w", args[0], err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.ListenAddr != "" {
		srv := api.NewServer(cfg.ListenAddr, fw, logger)
		g.Go(func() error { return srv.Run(gctx) })
	}
	g.Go(func() error {
		err := fw.Run(gctx, driver, 0.0)
		if err == nil && runHold && cfg.ListenAddr != "" {
			logger.Info("run finished, serving until interrupted", "listen_addr", cfg.ListenAddr)
			<-gctx.Done()
			return nil
		}
		cancel()
		return err
	})
	return g.Wait()
}
