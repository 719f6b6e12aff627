package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/notesync/internal/coordinator"
	"github.com/ajitpratap0/notesync/pkg/config"
	"github.com/ajitpratap0/notesync/pkg/errors"
	"github.com/ajitpratap0/notesync/pkg/logger"
)

var version = "0.1.0"

// exitError carries a process exit status out of a command.
type exitError struct {
	code coordinator.ExitCode
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d (%s)", int(e.code), e.code) }

// cli holds state shared by every command.
type cli struct {
	configPath string
	logLevel   string
	cfg        *config.Config
	log        *zap.Logger
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(int(code))
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) coordinator.ExitCode {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	_ = logger.Sync()
	if err == nil {
		return coordinator.ExitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	fmt.Fprintln(stderr, "Error:", err)
	if errors.IsType(err, errors.ErrorTypeConfig) {
		return coordinator.ExitConfig
	}
	return coordinator.ExitCodeFor(err)
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "notesync",
		Short: "notesync - notes ingestion and synchronization engine",
		Long: `notesync keeps a durable store of notes and their comment threads in sync
with a periodic bulk snapshot and the live incremental feed. It is meant to be
run unattended on a schedule; the exit status reports what happened.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return c.load()
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", os.Getenv("NOTESYNC_CONFIG"),
		"Path to the YAML configuration file")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Override log level (debug, info, warn, error)")

	root.AddCommand(
		c.runCmd(),
		c.bulkCmd(),
		c.migrateCmd(),
		c.clearFailureCmd(),
		c.statusCmd(),
		c.configCmd(),
		versionCmd(),
	)
	return root
}

func (c *cli) load() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	if err := logger.Init(cfg.Log); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to initialise logger")
	}
	c.cfg = cfg
	c.log = logger.Get()
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "notesync v%s\n", version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
