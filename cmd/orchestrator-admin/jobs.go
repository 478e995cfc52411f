package main

import (
	"encoding/json"
	"errors"
	"flag"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/lifebook/orchestrator/internal/bootstrap"
	"github.com/lifebook/orchestrator/internal/domain/model"
)

type enqueueOptions struct {
	Workflow string
	Input    string
	Key      string
}

func parseEnqueueFlags(args []string) (enqueueOptions, error) {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts enqueueOptions
	fs.StringVar(&opts.Workflow, "workflow", "", "Workflow slug to run (required)")
	fs.StringVar(&opts.Input, "input", "", "JSON object passed to the workflow")
	fs.StringVar(&opts.Key, "key", "", "Client request id; repeated calls with the same key reuse one job")

	if err := fs.Parse(args); err != nil {
		return enqueueOptions{}, err
	}
	if strings.TrimSpace(opts.Workflow) == "" {
		return enqueueOptions{}, errors.New("--workflow is required")
	}
	return opts, nil
}

func runEnqueue(cmdCtx *commandContext, args []string) error {
	opts, err := parseEnqueueFlags(args)
	if err != nil {
		return err
	}
	req := &model.CreateJobRequest{
		WorkflowSlug:    opts.Workflow,
		ClientRequestID: opts.Key,
		TriggerType:     "manual",
	}
	if opts.Input != "" {
		req.Input = json.RawMessage(opts.Input)
	}

	return cmdCtx.withApp(func(app *bootstrap.App) error {
		res, err := app.Services.Jobs.Enqueue(cmdCtx.Ctx, req)
		if err != nil {
			return err
		}
		return writef(cmdCtx.Out, "job %s %s (status %s, message %q)\n",
			res.Job.JobID, createdLabel(res.Created), res.Job.Status, res.MessageID)
	})
}

func createdLabel(created bool) string {
	if created {
		return "created"
	}
	return "already exists"
}

type cancelOptions struct {
	JobID  string
	Reason string
}

func parseCancelFlags(args []string) (cancelOptions, error) {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts cancelOptions
	fs.StringVar(&opts.Reason, "reason", "", "Why the job is being cancelled")
	if err := fs.Parse(args); err != nil {
		return cancelOptions{}, err
	}
	jobID, err := singleJobID(fs.Args())
	if err != nil {
		return cancelOptions{}, err
	}
	opts.JobID = jobID
	return opts, nil
}

func runCancel(cmdCtx *commandContext, args []string) error {
	opts, err := parseCancelFlags(args)
	if err != nil {
		return err
	}
	return cmdCtx.withApp(func(app *bootstrap.App) error {
		rec, err := app.Services.Jobs.Cancel(cmdCtx.Ctx, opts.JobID, opts.Reason)
		if err != nil {
			return err
		}
		return writef(cmdCtx.Out, "job %s is %s\n", rec.JobID, rec.Status)
	})
}

func runShow(cmdCtx *commandContext, args []string) error {
	jobID, err := singleJobID(args)
	if err != nil {
		return err
	}
	return cmdCtx.withApp(func(app *bootstrap.App) error {
		rec, err := app.Services.Jobs.Get(cmdCtx.Ctx, jobID)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmdCtx.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	})
}

type logsOptions struct {
	JobID string
	Limit int
}

func parseLogsFlags(args []string) (logsOptions, error) {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := logsOptions{}
	fs.IntVar(&opts.Limit, "limit", 50, "Maximum number of entries to print")
	if err := fs.Parse(args); err != nil {
		return logsOptions{}, err
	}
	if opts.Limit <= 0 {
		return logsOptions{}, errors.New("--limit must be greater than zero")
	}
	jobID, err := singleJobID(fs.Args())
	if err != nil {
		return logsOptions{}, err
	}
	opts.JobID = jobID
	return opts, nil
}

func runLogs(cmdCtx *commandContext, args []string) error {
	opts, err := parseLogsFlags(args)
	if err != nil {
		return err
	}
	return cmdCtx.withApp(func(app *bootstrap.App) error {
		entries, err := app.Services.Jobs.ListRunLogs(cmdCtx.Ctx, opts.JobID, opts.Limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return writef(cmdCtx.Out, "no run log entries for job %s\n", opts.JobID)
		}

		tw := tabwriter.NewWriter(cmdCtx.Out, 0, 0, 2, ' ', 0)
		if err := writef(tw, "TIME\tSTEP\tTRANSITION\tMESSAGE\n"); err != nil {
			return err
		}
		for _, e := range entries {
			transition := ""
			if e.StatusBefore != "" || e.StatusAfter != "" {
				transition = string(e.StatusBefore) + " -> " + string(e.StatusAfter)
			}
			if err := writef(tw, "%s\t%s\t%s\t%s\n",
				e.CreatedAt.Format(time.RFC3339), e.Step, transition, e.Message); err != nil {
				return err
			}
		}
		return tw.Flush()
	})
}

func runReap(cmdCtx *commandContext, _ []string) error {
	return cmdCtx.withApp(func(app *bootstrap.App) error {
		runner, err := bootstrap.NewReaperRunner(bootstrap.ReaperRunConfig{
			Services: app.Services,
			Config:   app.Config.Reaper,
			Logger:   cmdCtx.Logger,
		})
		if err != nil {
			return err
		}
		report, err := runner.RunOnce(cmdCtx.Ctx)
		if err != nil {
			return err
		}
		return writef(cmdCtx.Out, "timed out %d running job(s), republished %d queued job(s)\n",
			report.TimedOut, report.Republished)
	})
}

func runWorkflows(cmdCtx *commandContext, _ []string) error {
	return cmdCtx.withApp(func(app *bootstrap.App) error {
		for _, slug := range app.Services.Workflows.Slugs() {
			if err := writef(cmdCtx.Out, "%s\n", slug); err != nil {
				return err
			}
		}
		return nil
	})
}

func singleJobID(args []string) (string, error) {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return "", errors.New("exactly one job id argument is required")
	}
	return strings.TrimSpace(args[0]), nil
}
