package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"foreman/pkg/config"
	"foreman/pkg/coordinator"
	"foreman/pkg/eventbus"
	"foreman/pkg/rpc"
	"foreman/pkg/store"
	"foreman/pkg/terminal"
)

// newServeCmd creates the "foreman serve" subcommand.
func newServeCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the foreman server in the foreground",
		Long: "Opens the session database, re-attaches sessions left running by a\n" +
			"previous server and accepts control requests on the Unix socket.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := config.ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			var out io.Writer = cmd.ErrOrStderr()
			if quiet {
				out = io.Discard
			}
			return runServe(cmd.Context(), paths, out, isTerminal(out))
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress startup progress output")
	return cmd
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// runServe blocks until ctx is cancelled.
func runServe(ctx context.Context, paths *config.Paths, out io.Writer, tty bool) error {
	progress := newStartupLog(out, tty)

	if err := os.MkdirAll(paths.Home, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", paths.Home, err)
	}

	state, pid, err := ServerStatus(paths.PIDPath)
	if err != nil {
		return err
	}
	switch state {
	case StateRunning:
		return fmt.Errorf("server already running (pid %d)", pid)
	case StateStale:
		if err := RemovePIDFile(paths.PIDPath); err != nil {
			return err
		}
		progress.Warn(fmt.Sprintf("removed stale PID file (pid %d)", pid))
	case StateStopped:
	}

	cfg, err := config.Load(paths)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := cfg.Logger(os.Stderr)
	if cfg.Source != "" {
		progress.Step("config " + cfg.Source)
	} else {
		progress.Step("config defaults")
	}

	st, err := store.Open(ctx, paths.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	progress.Step("store " + paths.DBPath)

	tm := terminal.NewManager(terminal.Config{OpenTerminals: cfg.OpenTerminals, Logger: logger})
	if bin := tm.DetectTmux(); bin != "" {
		progress.Step("tmux " + bin)
	} else {
		progress.Warn("tmux not found, sessions use the subprocess runtime")
	}

	bus := eventbus.New()
	defer bus.Close()

	coord := coordinator.New(st, tm, bus, coordinator.Config{
		SupervisorCommand: cfg.SupervisorCommand,
		WorkerCommand:     cfg.WorkerCommand,
		Runtime:           cfg.Runtime,
		WatchInterval:     cfg.Watch(),
		MaxRetries:        cfg.MaxRetries,
		AllowFallback:     cfg.AllowFallback,
		Policy:            cfg.Policy(),
		Logger:            logger,
	})
	defer coord.Close()

	done := progress.StartSpinner("recovering sessions")
	err = coord.Start(ctx)
	done()
	if err != nil {
		return fmt.Errorf("recover sessions: %w", err)
	}

	if err := WritePIDFile(paths.PIDPath, os.Getpid()); err != nil {
		return err
	}
	defer func() {
		if err := RemovePIDFile(paths.PIDPath); err != nil {
			logger.Warn("remove PID file", "err", err)
		}
	}()

	progress.Step("listening on " + paths.SocketPath)
	logger.Info("server started", slogAttrs(paths)...)
	if err := rpc.NewServer(coord, paths.SocketPath, logger).Serve(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func slogAttrs(paths *config.Paths) []any {
	return []any{slog.String("socket", paths.SocketPath), slog.String("db", paths.DBPath), slog.Int("pid", os.Getpid())}
}
