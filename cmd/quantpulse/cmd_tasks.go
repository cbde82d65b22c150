package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/akashsinga/quantpulse/internal/domain"
	"github.com/akashsinga/quantpulse/internal/jobs"
)

func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and control task runs",
	}
	cmd.AddCommand(newTaskShowCmd(), newTaskCancelCmd(), newTaskRetryCmd(), newRequeueCmd())
	return cmd
}

func newTaskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-run-id>",
		Short: "Print a task run with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid task run id %q", args[0])
			}
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			run, err := a.tasks.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			if run == nil {
				return fmt.Errorf("task run %s not found", id)
			}
			fmt.Printf("%s  %s  %s  %d%%\n", run.ID, run.TaskName, run.Status, run.ProgressPercentage)
			if run.ErrorMessage != nil {
				fmt.Printf("  error: %s\n", *run.ErrorMessage)
			}
			steps, err := a.taskRepo.Steps(cmd.Context(), id)
			if err != nil {
				return err
			}
			for _, s := range steps {
				fmt.Printf("  [%d] %s: %s\n", s.StepOrder, s.StepName, s.Status)
			}
			return nil
		},
	}
}

func newTaskCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-run-id>",
		Short: "Request cooperative cancellation of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid task run id %q", args[0])
			}
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			return a.tasks.Cancel(cmd.Context(), id)
		},
	}
}

func newTaskRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <task-run-id>",
		Short: "Re-run a failed or cancelled task with its original parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid task run id %q", args[0])
			}
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			run, err := a.tasks.Retry(cmd.Context(), id)
			if err != nil {
				return err
			}
			return a.tasks.Execute(cmd.Context(), run)
		},
	}
}

func newRequeueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requeue-failed",
		Short: "Reset failed fetches below the retry cap back to pending",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			params := domain.Params{}
			if maxRetries, _ := cmd.Flags().GetInt("max-retries"); maxRetries > 0 {
				params["max_retries"] = maxRetries
			}
			return a.runTask(cmd.Context(), jobs.TypeRequeueFailed,
				"Failed-fetch requeue", params)
		},
	}
	cmd.Flags().Int("max-retries", 0, "Retry cap override (default: MAX_FETCH_RETRIES)")
	return cmd
}
