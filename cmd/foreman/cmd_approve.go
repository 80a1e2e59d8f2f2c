package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"foreman/pkg/coordinator"
	"foreman/pkg/rpc"
)

// newApproveCmd creates the "foreman approve" subcommand.
func newApproveCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "approve <session> <approval> <choice> [instruction...]",
		Short: "Answer a pending approval",
		Long: "Answers the prompt behind a pending approval with option 1, 2 or 3.\n" +
			"Choice 3 takes an instruction, sent to the agent after the option.",
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			choice, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("choice must be a number: %q", args[2])
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			res, err := c.ResolveApproval(cmd.Context(), rpc.ResolveArgs{
				SessionID:   args[0],
				ApprovalID:  args[1],
				Choice:      choice,
				Instruction: strings.Join(args[3:], " "),
			})
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resolved %s on %s with %d\n", res.ApprovalID, res.TargetID, res.Choice)
			if r := res.Replan; r != nil {
				if r.OK {
					fmt.Fprintf(cmd.OutOrStdout(), "replan (%s) sent to %s\n", r.Mode, r.Dispatch.WorkerID)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "replan failed: %s\n", r.Error)
				}
			}
			return nil
		},
	}
}

// newApproveBatchCmd creates the "foreman approve-batch" subcommand.
func newApproveBatchCmd(opts *globalOpts) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "approve-batch <session>",
		Short: "Answer several approvals from a JSON list",
		Long: "Reads a JSON array of {\"approvalId\",\"choice\",\"instruction\"} objects from\n" +
			"--file or stdin and resolves them in order. A failed item does not stop the rest.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file) //nolint:gosec // user-supplied input file
				if err != nil {
					return fmt.Errorf("open %s: %w", file, err)
				}
				defer f.Close()
				in = f
			}
			items, err := decodeBatch(in)
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			res, err := c.ResolveBatch(cmd.Context(), args[0], items)
			if err != nil {
				return err
			}
			if opts.json {
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			} else {
				printBatch(cmd.OutOrStdout(), res)
			}
			if !res.OK {
				return fmt.Errorf("approve-batch: some approvals failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file with the approvals (default stdin)")
	return cmd
}

func decodeBatch(r io.Reader) ([]coordinator.ResolveItem, error) {
	var items []coordinator.ResolveItem
	if err := json.NewDecoder(r).Decode(&items); err != nil {
		return nil, fmt.Errorf("decode approvals: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("decode approvals: empty list")
	}
	return items, nil
}

func printBatch(w io.Writer, res coordinator.BatchResult) {
	for _, r := range res.Results {
		if r.OK {
			fmt.Fprintf(w, "✓ %s\n", r.ApprovalID)
		} else {
			fmt.Fprintf(w, "✗ %s: %s\n", r.ApprovalID, r.Error)
		}
	}
}
