package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/corpusqa/corpusqa/internal/config"
	"github.com/corpusqa/corpusqa/internal/tasks"
)

var askCmd = &cobra.Command{
	Use:   "ask [query]",
	Short: "Answer a single question and print the report as JSON",
	Long: `Run one question through the full pipeline without starting the server.

Progress is logged to stderr while the task runs. On completion the task
document, including sections, citations, and tables, is printed to stdout.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

		cm, err := config.NewManager(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		svc, err := buildServices(cm.Get(), logger)
		if err != nil {
			return err
		}
		defer svc.store.Stop()

		task := svc.supervisor.Submit(args[0], "")

		final, err := waitForTask(cmd.Context(), svc, task.ID)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(final); err != nil {
			return err
		}

		if final.Status != tasks.StatusComplete {
			return fmt.Errorf("task %s: %s", final.Status, final.Detail)
		}
		return nil
	},
}

// waitForTask blocks until the task reaches a terminal status. A
// cancelled context cancels the task and drains it before returning.
func waitForTask(ctx context.Context, svc *services, id string) (*tasks.Task, error) {
	for {
		task, ok := svc.store.Get(id)
		if !ok {
			return nil, fmt.Errorf("task %s disappeared from the store", id)
		}
		if task.Status.Terminal() {
			return task, nil
		}

		changed, _ := svc.store.Watch(id)
		select {
		case <-ctx.Done():
			if err := svc.supervisor.Cancel(id); err != nil {
				return nil, err
			}
			drain, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := svc.supervisor.Shutdown(drain); err != nil {
				return nil, err
			}
			task, _ = svc.store.Get(id)
			return task, nil
		case <-changed:
		}
	}
}

func init() {
	rootCmd.AddCommand(askCmd)
}
