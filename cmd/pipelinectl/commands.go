package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agentoven/marketing-pipeline/internal/config"
	"github.com/agentoven/marketing-pipeline/internal/decisionlog"
	"github.com/agentoven/marketing-pipeline/internal/guardrails"
	"github.com/agentoven/marketing-pipeline/internal/store"
	"github.com/agentoven/marketing-pipeline/pkg/models"
)

// ── log ─────────────────────────────────────────────────────

func newLogCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "log <task-id>",
		Short: "Print a task's decision log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer s.Close()

			entries, err := s.ListDecisions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("no decision log for task %s", args[0])
			}
			if opts.JSON {
				return printJSON(cmd.OutOrStdout(), entries)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tTRANSITION\tROUND\tCONFIDENCE\tDEGRADED\tANNOTATIONS")
			for _, e := range entries {
				fmt.Fprintf(tw, "%d\t%s -> %s\t%d\t%.0f\t%t\t%s\n",
					e.Seq, e.From, e.To, e.Round, e.Confidence, e.Degraded, strings.Join(e.Annotations, "; "))
			}
			return tw.Flush()
		},
	}
}

// ── replay ──────────────────────────────────────────────────

// replayReport is the JSON shape of the replay command.
type replayReport struct {
	TaskID   string            `json:"task_id"`
	Entries  int               `json:"entries"`
	Status   models.TaskStatus `json:"status"`
	Recorded models.TaskStatus `json:"recorded,omitempty"`
	Valid    bool              `json:"valid"`
	Error    string            `json:"error,omitempty"`
}

func newReplayCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <task-id>",
		Short: "Re-derive a task's status from its log and compare it to the stored result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer s.Close()

			taskID := args[0]
			entries, err := s.ListDecisions(cmd.Context(), taskID)
			if err != nil {
				return err
			}
			report := replayReport{TaskID: taskID, Entries: len(entries), Valid: true}

			status, err := decisionlog.Replay(entries)
			switch {
			case errors.Is(err, models.ErrPending):
				report.Status = models.TaskPending
			case err != nil:
				report.Valid = false
				report.Error = err.Error()
			default:
				report.Status = status
			}

			// A stored result that disagrees with the trail is a broken log.
			if res, err := s.GetTask(cmd.Context(), taskID); err == nil {
				report.Recorded = res.Status
				if report.Valid && res.Status != report.Status && res.Status != models.TaskPersistenceFailure {
					report.Valid = false
					report.Error = fmt.Sprintf("log replays to %s but the stored result is %s", report.Status, res.Status)
				}
			} else if !isNotFound(err) {
				return err
			}

			if opts.JSON {
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "task %s: %s after %d entries\n", taskID, report.Status, report.Entries)
				if report.Recorded != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "stored result: %s\n", report.Recorded)
				}
			}
			if !report.Valid {
				return fmt.Errorf("replay failed: %s", report.Error)
			}
			return nil
		},
	}
}

func isNotFound(err error) bool {
	var nf *store.ErrNotFound
	return errors.As(err, &nf)
}

// ── tasks ───────────────────────────────────────────────────

func newTasksCmd(opts *options) *cobra.Command {
	var filter store.TaskFilter
	var status string

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List stored task results, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer s.Close()

			filter.Status = models.TaskStatus(strings.ToUpper(status))
			tasks, err := s.ListTasks(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if opts.JSON {
				if tasks == nil {
					tasks = []models.TaskResult{}
				}
				return printJSON(cmd.OutOrStdout(), tasks)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TASK\tTENANT\tOBJECTIVE\tSTATUS\tROUNDS\tREASON")
			for _, t := range tasks {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", t.TaskID, t.Tenant, t.Objective, t.Status, t.Rounds, t.Reason)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&filter.Tenant, "tenant", "", "tenant key (org/brand)")
	cmd.Flags().StringVar(&status, "status", "", "only tasks with this status")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum results")
	return cmd
}

// ── policy ──────────────────────────────────────────────────

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Work with brand policy files",
	}

	var text string
	check := &cobra.Command{
		Use:   "check [file]",
		Short: "Compile a policy file and optionally evaluate copy against it",
		Long: `Compile a YAML policy (the embedded default when no file is given) and
report its rule counts. With --text, evaluate the copy against the hard
policy and brand voice rules and fail on any violation.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			policy, err := config.LoadPolicy(path)
			if err != nil {
				return err
			}
			guard, err := guardrails.NewEngine(policy)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "policy ok: %d platforms, %d blocklist terms, %d brand-safety terms, %d PII patterns, %d voice rules\n",
				len(policy.Platforms), len(policy.Blocklist), len(policy.BrandSafety), len(policy.PII), len(policy.BrandVoice))
			if text == "" {
				return nil
			}

			failures := append(guard.Policy(text).Failures(), guard.BrandVoice(text).Failures()...)
			for _, f := range failures {
				fmt.Fprintf(out, "  %s: %s\n", f.Rule, f.Message)
			}
			if len(failures) > 0 {
				return fmt.Errorf("%d rule(s) violated", len(failures))
			}
			fmt.Fprintln(out, "  copy is clear")
			return nil
		},
	}
	check.Flags().StringVar(&text, "text", "", "ad copy to evaluate")
	cmd.AddCommand(check)
	return cmd
}
