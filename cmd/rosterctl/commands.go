package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"roster-pipeline/internal/app"
	"roster-pipeline/internal/ingest"
	"roster-pipeline/internal/models"
	"roster-pipeline/internal/orchestrator"
	"roster-pipeline/internal/stages"
	"roster-pipeline/internal/store"
)

func newIngestCommand(ctx *commandContext) *cobra.Command {
	var run bool
	cmd := &cobra.Command{
		Use:   "ingest <message.eml>",
		Short: "Archive a raw message and create its job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return eris.Wrapf(err, "read %s", args[0])
			}
			art, err := stages.ParseMessage(raw)
			if err != nil {
				return err
			}
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				accepted, err := ingest.New(a.Store, a.Blobs).Accept(cmd.Context(), raw, art, models.AuthorUser)
				if err != nil {
					return err
				}
				out := struct {
					ingest.Result
					Run *orchestrator.Result `json:"run,omitempty"`
				}{Result: accepted}
				if run && !accepted.Duplicate {
					res, err := a.Orchestrator.Run(cmd.Context(), accepted.Job.ID, orchestrator.WithActor(models.AuthorUser))
					if err != nil {
						return err
					}
					out.Run = &res
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, out)
				}
				state := "created"
				if accepted.Duplicate {
					state = "duplicate of existing job"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %s %s (%s)\n", accepted.Job.ID, state, accepted.Job.Status)
				if out.Run != nil {
					printResult(cmd, *out.Run)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&run, "run", false, "Run the pipeline immediately after intake")
	return cmd
}

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := store.ListJobsParams{Limit: limit}
			if status != "" {
				s, err := models.ParseStatus(status)
				if err != nil {
					return err
				}
				params.Status = &s
			}
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				jobs, err := a.Store.ListJobs(cmd.Context(), params)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, jobs)
				}
				rows := make([][]string, 0, len(jobs))
				for _, j := range jobs {
					rows = append(rows, []string{j.ID, string(j.Status), j.Sender, deref(j.CurrentVersionID), stamp(j.UpdatedAt)})
				}
				printTable(cmd, []string{"Job", "Status", "Sender", "Version", "Updated"}, rows, nil)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only jobs in this status")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of jobs")
	return cmd
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job>",
		Short: "Show a job with its current version and latest export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				job, err := a.Store.GetJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				var export *models.Export
				exp, err := a.Store.LatestExport(cmd.Context(), job.ID)
				switch {
				case err == nil:
					export = &exp
				case !eris.Is(err, store.ErrNotFound):
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, struct {
						models.Job
						LatestExport *models.Export `json:"latest_export,omitempty"`
					}{job, export})
				}
				rows := [][]string{
					{"id", job.ID},
					{"status", string(job.Status)},
					{"message_id", job.MessageID},
					{"sender", job.Sender},
					{"subject", job.Subject},
					{"current_version", deref(job.CurrentVersionID)},
					{"failed_stage", deref(job.FailedStage)},
					{"last_error", deref(job.LastError)},
					{"raw_uri", job.RawURI},
					{"created", stamp(job.CreatedAt)},
					{"updated", stamp(job.UpdatedAt)},
				}
				if export != nil {
					rows = append(rows, []string{"export", export.Location}, []string{"export_version", export.VersionID})
				}
				printTable(cmd, []string{"Field", "Value"}, rows, nil)
				return nil
			})
		},
	}
}

func newVersionsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "versions <job>",
		Short: "List the version history of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				job, err := a.Store.GetJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				versions, err := a.Store.ListVersions(cmd.Context(), job.ID)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, versions)
				}
				rows := make([][]string, 0, len(versions))
				for _, v := range versions {
					marker := ""
					if job.CurrentVersionID != nil && *job.CurrentVersionID == v.ID {
						marker = "*"
					}
					rows = append(rows, []string{
						marker, v.ID, deref(v.ParentVersionID), v.Author, v.Reason,
						strconv.Itoa(v.RecordCount), strconv.Itoa(v.IssueCount), stamp(v.CreatedAt),
					})
				}
				printTable(cmd,
					[]string{"", "Version", "Parent", "Author", "Reason", "Records", "Issues", "Created"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft})
				return nil
			})
		},
	}
}

func newRecordsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "records <version>",
		Short: "Print the records and issues of a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				records, err := a.Store.GetRecords(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				issues, err := a.Store.GetIssues(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, map[string]any{"records": records, "issues": issues})
				}
				printRows(cmd, models.RowsFromRecords(records))
				printIssues(cmd, models.IssuesToInputs(issues))
				return nil
			})
		},
	}
}

func newAuditCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "audit <job>",
		Short: "Print the audit trail of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				entries, err := a.Store.ListAudit(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, entries)
				}
				rows := make([][]string, 0, len(entries))
				for _, e := range entries {
					rows = append(rows, []string{strconv.FormatInt(e.ID, 10), stamp(e.CreatedAt), e.Actor, e.Action, string(e.After)})
				}
				printTable(cmd, []string{"#", "At", "Actor", "Action", "After"}, rows,
					[]columnAlignment{alignRight})
				return nil
			})
		},
	}
}

func newReviewCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "review <job>",
		Short: "Show the draft held back by the review gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				draft, err := a.Orchestrator.ReviewDraft(cmd.Context(), args[0])
				if err != nil {
					if eris.Is(err, store.ErrNotFound) {
						return eris.Errorf("job %s has no review halt", args[0])
					}
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, draft)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "halted at %s after %s (base version %s)\n",
					stamp(draft.HaltedAt), draft.Stage, deref(draft.ParentVersionID))
				printRows(cmd, draft.Rows)
				printIssues(cmd, draft.Issues)
				return nil
			})
		},
	}
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var forceAI bool
	cmd := &cobra.Command{
		Use:   "run <job>",
		Short: "Run the full pipeline for a job in this process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := []orchestrator.RunOption{orchestrator.WithActor(models.AuthorUser)}
			if forceAI {
				opts = append(opts, orchestrator.WithForceAIAssist())
			}
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				res, err := a.Orchestrator.Run(cmd.Context(), args[0], opts...)
				if err != nil {
					return err
				}
				return ctx.emitResult(cmd, res)
			})
		},
	}
	cmd.Flags().BoolVar(&forceAI, "force-ai", false, "Route through ai_assist regardless of classification")
	return cmd
}

func newResumeCommand(ctx *commandContext) *cobra.Command {
	var from string
	var forceAI bool
	cmd := &cobra.Command{
		Use:   "resume <job> <version>",
		Short: "Re-enter the pipeline from a stage using a stored version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := orchestrator.ParseStage(from)
			if err != nil {
				return err
			}
			opts := []orchestrator.RunOption{orchestrator.WithActor(models.AuthorUser)}
			if forceAI {
				opts = append(opts, orchestrator.WithForceAIAssist())
			}
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				res, err := a.Orchestrator.Resume(cmd.Context(), args[0], args[1], stage, opts...)
				if err != nil {
					return err
				}
				return ctx.emitResult(cmd, res)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", string(orchestrator.StageValidate), "Stage to resume from")
	cmd.Flags().BoolVar(&forceAI, "force-ai", false, "Route through ai_assist regardless of classification")
	return cmd
}

func newRollbackCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <job> <version>",
		Short: "Point a job back at one of its earlier versions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				res, err := a.Orchestrator.Rollback(cmd.Context(), args[0], args[1], models.AuthorUser)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %s: %s -> %s\n", res.JobID, deref(res.From), res.To)
				return nil
			})
		},
	}
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job>",
		Short: "Cancel a job; a running pipeline stops at its next checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				job, err := a.Orchestrator.Cancel(cmd.Context(), args[0], models.AuthorUser)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, job)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %s %s\n", job.ID, job.Status)
				return nil
			})
		},
	}
}

func newSweepCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Fail processing jobs whose heartbeat went stale",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				ids, err := a.Orchestrator.SweepStale(cmd.Context())
				if err != nil {
					return err
				}
				if ids == nil {
					ids = []string{}
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, map[string]any{"failed_jobs": ids})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d stale job(s) failed\n", len(ids))
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), "  "+id)
				}
				return nil
			})
		},
	}
}

func (c *commandContext) emitResult(cmd *cobra.Command, res orchestrator.Result) error {
	if c.jsonOutput() {
		return writeJSON(cmd, res)
	}
	printResult(cmd, res)
	return nil
}

func printResult(cmd *cobra.Command, res orchestrator.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "job %s -> %s (rows %d, issues %d)\n", res.JobID, res.Status, res.RowsProcessed, res.IssuesFound)
	if res.VersionID != nil {
		fmt.Fprintf(out, "  version %s\n", *res.VersionID)
	}
	if res.ExportID != "" {
		fmt.Fprintf(out, "  export %s\n", res.ExportID)
	}
	if res.Error != nil {
		fmt.Fprintf(out, "  failed at %s: %s\n", res.Error.Stage, res.Error.Message)
	}
	for _, n := range res.Notes {
		fmt.Fprintf(out, "  note: %s\n", n)
	}
}

// printRows renders rows with the union of their field names as columns.
func printRows(cmd *cobra.Command, rows []models.Row) {
	if len(rows) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no records")
		return
	}
	seen := map[string]struct{}{}
	var fields []string
	for _, r := range rows {
		for k := range r.Fields {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				fields = append(fields, k)
			}
		}
	}
	sort.Strings(fields)

	headers := append([]string{"#"}, fields...)
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		line := []string{strconv.Itoa(r.Index)}
		for _, f := range fields {
			v, ok := r.Fields[f]
			if !ok || v == nil {
				line = append(line, "")
				continue
			}
			line = append(line, fmt.Sprint(v))
		}
		out = append(out, line)
	}
	printTable(cmd, headers, out, []columnAlignment{alignRight})
}

func printIssues(cmd *cobra.Command, issues []models.IssueInput) {
	if len(issues) == 0 {
		return
	}
	rows := make([][]string, 0, len(issues))
	for _, is := range issues {
		row := "-"
		if is.RowIdx != nil {
			row = strconv.Itoa(*is.RowIdx)
		}
		rows = append(rows, []string{strings.ToUpper(string(is.Severity)), row, deref(is.Field), is.Message})
	}
	printTable(cmd, []string{"Level", "Row", "Field", "Message"}, rows, nil)
}
