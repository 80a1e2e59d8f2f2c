package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"foreman/internal/version"
	"foreman/pkg/config"
	"foreman/pkg/rpc"
)

// globalOpts holds the persistent flags shared by every subcommand.
type globalOpts struct {
	socket string
	json   bool
}

// newRootCmd creates the root foreman command with all subcommands attached.
func newRootCmd() *cobra.Command {
	opts := &globalOpts{}
	cmd := &cobra.Command{
		Use:   "foreman",
		Short: "Supervisor/worker control plane for terminal coding agents",
		Long: "foreman drives one supervisor agent and N worker agents running in terminals.\n" +
			"The supervisor splits an objective into a plan, foreman dispatches it to the\n" +
			"workers and routes the questions the agents ask back to you.",
		Version:       fmt.Sprintf("foreman %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.PersistentFlags().StringVar(&opts.socket, "socket", "", "server socket path (default $FOREMAN_SOCKET_PATH or $FOREMAN_HOME/foreman.sock)")
	cmd.PersistentFlags().BoolVar(&opts.json, "json", false, "print raw JSON results")

	cmd.AddCommand(
		newServeCmd(),
		newNewCmd(opts),
		newLsCmd(opts),
		newShowCmd(opts),
		newReplanCmd(opts),
		newResumeCmd(opts),
		newSendCmd(opts),
		newConsoleCmd(opts),
		newApproveCmd(opts),
		newApproveBatchCmd(opts),
		newStopCmd(opts),
		newLogsCmd(),
		newVersionCmd(),
	)
	return cmd
}

// client returns an RPC client for the configured socket.
func (o *globalOpts) client() (*rpc.Client, error) {
	if o.socket != "" {
		return rpc.NewClient(o.socket), nil
	}
	paths, err := config.ResolvePaths()
	if err != nil {
		return nil, fmt.Errorf("resolve paths: %w", err)
	}
	return rpc.NewClient(paths.SocketPath), nil
}

// printJSON writes v indented.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

// exitCode maps server failures to distinct exit statuses.
func exitCode(err error) int {
	var re *rpc.RemoteError
	if !errors.As(err, &re) {
		return 1
	}
	switch re.Code {
	case rpc.CodeValidation:
		return 2
	case rpc.CodeNotFound:
		return 3
	case rpc.CodeBusy, rpc.CodeStopped:
		return 4
	default:
		return 1
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the foreman version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "foreman %s\n", version.String())
			return nil
		},
	}
}
