package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"foreman/pkg/coordinator"
	"foreman/pkg/rpc"
)

// newSendCmd creates the "foreman send" subcommand.
func newSendCmd(opts *globalOpts) *cobra.Command {
	var noEnter bool
	cmd := &cobra.Command{
		Use:   "send <session> <target> <text...>",
		Short: "Type text into the supervisor or a worker",
		Long:  "Sends text to one target (supervisor or worker-N) and presses Enter\nunless --no-enter is given.",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			res, err := c.SendInput(cmd.Context(), coordinator.SendRequest{
				SessionID: args[0],
				TargetID:  args[1],
				Text:      strings.Join(args[2:], " "),
				NoEnter:   noEnter,
				Source:    "cli",
			})
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d chars to %s\n", res.Length, res.TargetID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&noEnter, "no-enter", false, "type the text without pressing Enter")
	return cmd
}

// newConsoleCmd creates the "foreman console" subcommand.
func newConsoleCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "console <session> [target]",
		Short: "Interactive prompt that sends each line to a target",
		Long: "Reads lines with history and sends each one to the target (default\n" +
			"supervisor). Type \":target worker-2\" to switch targets, Ctrl-D to quit.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "supervisor"
			if len(args) == 2 {
				target = args[1]
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			rl, err := readline.NewEx(&readline.Config{
				Prompt:          consolePrompt(target),
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
				Stdout:          cmd.OutOrStdout(),
			})
			if err != nil {
				return fmt.Errorf("init console: %w", err)
			}
			defer rl.Close()
			return runConsole(cmd, c, rl, args[0], target)
		},
	}
}

func consolePrompt(target string) string { return target + "> " }

// lineReader is the part of readline the console loop uses.
type lineReader interface {
	Readline() (string, error)
	SetPrompt(string)
}

func runConsole(cmd *cobra.Command, c *rpc.Client, rl lineReader, sessionID, target string) error {
	return consoleLoop(cmd.OutOrStdout(), rl, sessionID, target, func(req coordinator.SendRequest) error {
		_, err := c.SendInput(cmd.Context(), req)
		return err
	})
}

// consoleLoop reads lines until EOF or interrupt on an empty line and sends
// each non-empty one. Send failures are printed and the loop continues.
func consoleLoop(w io.Writer, rl lineReader, sessionID, target string, send func(coordinator.SendRequest) error) error {
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read line: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if next, ok := strings.CutPrefix(line, ":target "); ok {
			target = strings.TrimSpace(next)
			rl.SetPrompt(consolePrompt(target))
			continue
		}
		req := coordinator.SendRequest{SessionID: sessionID, TargetID: target, Text: line, Source: "console"}
		if err := send(req); err != nil {
			fmt.Fprintf(w, "error: %v\n", err)
		}
	}
}
