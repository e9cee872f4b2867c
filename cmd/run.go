package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/taskpilot/taskpilot/api/schemas"
	"github.com/taskpilot/taskpilot/internal/observability"
	"github.com/taskpilot/taskpilot/internal/service"
)

var runUserID string

var runCmd = &cobra.Command{
	Use:   "run [goal...]",
	Short: "Execute a single goal and print the result.",
	Long: `Run submits one natural-language goal, streams progress to the
terminal, and exits when the task reaches a terminal status. Exit code is
non-zero when the task ends in error.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()
		goal := strings.Join(args, " ")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		components, err := service.Build(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer components.Shutdown(context.Background())

		taskID, err := components.Engine.Submit(ctx, runUserID, goal)
		if err != nil {
			return err
		}
		// Subscribe before progress can race past us; the pull fallback below
		// covers anything missed between Submit and here.
		deltas, cancelSub := components.Broadcaster.SubscribeTask(taskID)
		defer cancelSub()

		fmt.Printf("task %s submitted\n", taskID)

		for {
			select {
			case <-ctx.Done():
				logger.Info("Interrupted; cancelling task.", zap.String("task_id", taskID))
				if _, err := components.Engine.Cancel(context.Background(), taskID); err != nil {
					logger.Warn("Cancellation failed.", zap.Error(err))
				}
				return printFinal(components, taskID)
			case delta, ok := <-deltas:
				if !ok {
					return printFinal(components, taskID)
				}
				printDelta(delta)
				if delta.Status.IsTerminal() {
					return printFinal(components, taskID)
				}
			}
		}
	},
}

func printDelta(delta schemas.ProgressDelta) {
	switch {
	case delta.Outcome != nil:
		fmt.Printf("[%3d%%] step %d: %s %s (%s)\n",
			delta.Progress, delta.Step,
			delta.Outcome.Kind, delta.Outcome.Instruction, delta.Outcome.Verification)
	case delta.Error != "":
		fmt.Printf("[%3d%%] error: %s\n", delta.Progress, delta.Error)
	case delta.Message != "":
		fmt.Printf("[%3d%%] %s\n", delta.Progress, delta.Message)
	default:
		fmt.Printf("[%3d%%] status: %s\n", delta.Progress, delta.Status)
	}
}

// printFinal pulls the authoritative snapshot and renders the terminal
// state, returning an error for the error status so the exit code reflects
// the outcome.
func printFinal(components *service.Components, taskID string) error {
	task, err := components.Engine.Snapshot(context.Background(), taskID)
	if err != nil {
		return err
	}

	switch task.Status {
	case schemas.StatusCompleted:
		fmt.Printf("\ncompleted in %d step(s)", len(task.Intermediate))
		if task.Result != nil {
			if task.Result.Truncated {
				fmt.Print(" (truncated)")
			}
			fmt.Printf("\n\n%s\n", task.Result.Summary)
		} else {
			fmt.Println()
		}
		return nil
	case schemas.StatusCancelled:
		fmt.Println("\ncancelled")
		return nil
	case schemas.StatusError:
		return fmt.Errorf("task failed: %s", task.Error)
	default:
		return fmt.Errorf("task ended in unexpected status %q", task.Status)
	}
}

func init() {
	runCmd.Flags().StringVarP(&runUserID, "user", "u", "local", "user identity to attribute the task to")
	rootCmd.AddCommand(runCmd)
}
