package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"foreman/pkg/coordinator"
	"foreman/pkg/protocol"
)

// newNewCmd creates the "foreman new" subcommand.
func newNewCmd(opts *globalOpts) *cobra.Command {
	var (
		workers   int
		workspace string
	)
	cmd := &cobra.Command{
		Use:   "new <objective...>",
		Short: "Create a session and start planning",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if workspace == "" {
				wd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("resolve workspace: %w", err)
				}
				workspace = wd
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			view, err := c.CreateSession(cmd.Context(), coordinator.CreateRequest{
				Objective:   strings.Join(args, " "),
				WorkerCount: workers,
				Workspace:   workspace,
			})
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), view)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created session %s (%s, %d workers)\n", view.ID, view.Runtime, view.WorkerCount)
			if view.Handle != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "attach with: tmux attach -t %s\n", view.Handle)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&workers, "workers", "w", 2, "number of worker agents")
	cmd.Flags().StringVar(&workspace, "workspace", "", "working directory for the agents (default current directory)")
	return cmd
}

// newLsCmd creates the "foreman ls" subcommand.
func newLsCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List sessions, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			list, err := c.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), list)
			}
			return printSummaries(cmd.OutOrStdout(), list)
		},
	}
}

func printSummaries(w io.Writer, list []protocol.Summary) error {
	if len(list) == 0 {
		fmt.Fprintln(w, "no sessions")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPLANNING\tRUNTIME\tWORKERS\tAPPROVALS\tUPDATED\tOBJECTIVE")
	for _, s := range list {
		planning := string(s.PlanningState)
		if s.PlanningPhase != "" {
			planning += "/" + s.PlanningPhase
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			s.ID, s.Status, planning, s.Runtime, s.WorkerCount, s.PendingApprovals,
			s.UpdatedAt.Local().Format(time.DateTime), truncate(s.Objective, 60))
	}
	return tw.Flush()
}

// newShowCmd creates the "foreman show" subcommand.
func newShowCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session>",
		Short: "Show a session with its targets, approvals and recent events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			view, err := c.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), view)
			}
			printSession(cmd.OutOrStdout(), view)
			return nil
		},
	}
}

func printSession(w io.Writer, v *coordinator.SessionView) {
	fmt.Fprintf(w, "session   %s\n", v.ID)
	fmt.Fprintf(w, "objective %s\n", v.Objective)
	fmt.Fprintf(w, "workspace %s\n", v.Workspace)
	status := string(v.Status)
	if v.Phase != "" {
		status += " (" + v.Phase + ")"
	}
	fmt.Fprintf(w, "status    %s\n", status)
	if v.LastError != "" {
		fmt.Fprintf(w, "error     %s\n", v.LastError)
	}
	fmt.Fprintf(w, "runtime   %s %s\n", v.Runtime, v.Handle)
	fmt.Fprintf(w, "planning  %s/%s attempt %d/%d %s\n",
		v.Planning.State, v.Planning.Phase, v.Planning.Attempt, v.Planning.MaxAttempts, v.Planning.Message)

	if v.Plan != nil {
		fmt.Fprintf(w, "\nplan: %s\n", v.Plan.Summary)
		for _, t := range v.Plan.Tasks {
			fmt.Fprintf(w, "  %d. %s\n", t.WorkerIndex, t.Title)
		}
	}

	fmt.Fprintln(w, "\ntargets:")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, t := range append([]protocol.Target{v.Supervisor}, v.Workers...) {
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", t.ID, t.Status, truncate(t.LastLine, 70))
	}
	_ = tw.Flush()

	if v.PendingApprovals() > 0 {
		fmt.Fprintln(w, "\npending approvals:")
		for _, a := range v.Approvals {
			if a.Status != protocol.ApprovalPending {
				continue
			}
			fmt.Fprintf(w, "  %s  %s  %s  options %v\n", a.ID, a.TargetID, a.Kind, a.Options)
		}
	}

	if len(v.LogTail) > 0 {
		fmt.Fprintln(w, "\nrecent events:")
		start := max(0, len(v.LogTail)-15)
		for i := range v.LogTail[start:] {
			formatEvent(w, &v.LogTail[start+i])
		}
	}
}

// newReplanCmd creates the "foreman replan" subcommand.
func newReplanCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "replan <session>",
		Short: "Start a new planning cycle for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			view, err := c.Replan(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), view)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replanning %s (%s)\n", view.ID, view.Planning.Message)
			return nil
		},
	}
}

// newResumeCmd creates the "foreman resume" subcommand.
func newResumeCmd(opts *globalOpts) *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "resume <session>",
		Short: "Nudge the supervisor and workers to continue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			res, err := c.Resume(cmd.Context(), args[0], source)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), res)
			}
			w := cmd.OutOrStdout()
			for _, t := range append([]coordinator.TargetResult{res.Supervisor}, res.Workers...) {
				if t.OK {
					fmt.Fprintf(w, "✓ %s\n", t.TargetID)
				} else {
					fmt.Fprintf(w, "✗ %s: %s\n", t.TargetID, t.Error)
				}
			}
			if !res.OK {
				return fmt.Errorf("resume %s: some targets failed", args[0])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "cli", "source recorded with the resume event")
	return cmd
}

// newStopCmd creates the "foreman stop" subcommand.
func newStopCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <session>",
		Short: "Stop a session and tear down its terminals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			if err := c.StopSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), map[string]any{"sessionId": args[0], "stopped": true})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stopped %s\n", args[0])
			return nil
		},
	}
}

// truncate shortens s to n runes with a trailing ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
