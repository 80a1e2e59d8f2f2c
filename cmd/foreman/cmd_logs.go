package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"foreman/pkg/config"
	"foreman/pkg/eventlog"
	"foreman/pkg/protocol"
)

// logsConfig holds configuration for the logs command.
type logsConfig struct {
	tail   int
	follow bool
	types  []string
}

// followPoll is the safety-net interval when file notifications are missed
// or unavailable.
const followPoll = time.Second

// newLogsCmd creates the "foreman logs" subcommand. It reads the state
// database directly, so it works while the server is down.
func newLogsCmd() *cobra.Command {
	var cfg logsConfig

	cmd := &cobra.Command{
		Use:   "logs [session]",
		Short: "Query and tail the session event log",
		Long:  "Displays events from the session event log.\nOptionally filter by session and event type, and follow new events.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := eventlog.QueryOpts{Limit: cfg.tail}
			if len(args) == 1 {
				opts.SessionID = args[0]
			}
			for _, t := range cfg.types {
				opts.Types = append(opts.Types, protocol.EventType(t))
			}

			paths, err := config.ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			r, err := eventlog.NewReader(paths.DBPath)
			if err != nil {
				return fmt.Errorf("open event log: %w", err)
			}
			defer r.Close()

			w := cmd.OutOrStdout()
			if cfg.follow {
				return followLogs(cmd.Context(), r, paths.DBPath, w, opts)
			}
			return printLogs(cmd.Context(), r, w, opts)
		},
	}

	cmd.Flags().IntVar(&cfg.tail, "tail", 20, "number of recent events to show")
	cmd.Flags().BoolVarP(&cfg.follow, "follow", "f", false, "stream new events as they are written")
	cmd.Flags().StringSliceVarP(&cfg.types, "type", "t", nil, "only show these event types (repeatable)")

	return cmd
}

// eventQuerier is the part of eventlog.Reader the logs command uses.
type eventQuerier interface {
	Query(ctx context.Context, opts eventlog.QueryOpts) ([]protocol.Event, error)
}

// printLogs displays the last opts.Limit matching events.
func printLogs(ctx context.Context, r eventQuerier, w io.Writer, opts eventlog.QueryOpts) error {
	events, err := r.Query(ctx, opts)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(w, "no events found")
		return nil
	}
	for i := range events {
		formatEvent(w, &events[i])
	}
	return nil
}

// followLogs prints the tail and then every new event. New rows are picked
// up when the database or its WAL changes, with a poll as fallback.
func followLogs(ctx context.Context, r eventQuerier, dbPath string, w io.Writer, opts eventlog.QueryOpts) error {
	events, err := r.Query(ctx, opts)
	if err != nil {
		return err
	}
	var last int64
	for i := range events {
		formatEvent(w, &events[i])
		last = events[i].ID
	}

	changed := watchDir(ctx, filepath.Dir(dbPath), filepath.Base(dbPath))
	ticker := time.NewTicker(followPoll)
	defer ticker.Stop()

	next := opts
	next.Limit = 100
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		case <-ticker.C:
		}
		next.AfterID = last
		for {
			batch, err := r.Query(ctx, next)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			for i := range batch {
				formatEvent(w, &batch[i])
				last = batch[i].ID
			}
			if len(batch) < next.Limit {
				break
			}
			next.AfterID = last
		}
	}
}

// watchDir signals on the returned channel whenever a file in dir whose
// name starts with prefix is written. A nil channel (never ready) is
// returned when notifications are unavailable.
func watchDir(ctx context.Context, dir, prefix string) <-chan struct{} {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil
	}
	out := make(chan struct{}, 1)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) || !strings.HasPrefix(filepath.Base(ev.Name), prefix) {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return out
}

// formatEvent writes a single event in a human-readable format.
func formatEvent(w io.Writer, ev *protocol.Event) {
	payload := ""
	if ev.Payload != nil {
		if b, err := json.Marshal(ev.Payload); err == nil {
			payload = string(b)
		}
	}

	// Format: timestamp | session | event_type | payload
	fmt.Fprintf(w, "%s | %-10s | %-28s | %s\n",
		ev.At.Local().Format(time.DateTime), ev.SessionID, ev.Type, payload)
}
