package main

import (
	"fmt"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Ark0N/Claudeman-sub001/internal/config"
	"github.com/Ark0N/Claudeman-sub001/internal/store"
)

// The inspection commands operate on the snapshot store, not on a live
// engine: they show the last persisted crash-recovery image and seed the
// backlog the next run restores.

func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	snapshots, err := store.NewSQLiteStore(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return snapshots, nil
}

func newSessionCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and stop supervised sessions",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List persisted sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			snapshots, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer snapshots.Close()

			sessions, err := snapshots.ListSessions(cmd.Context())
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			sort.Slice(sessions, func(i, j int) bool {
				return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
			})

			if len(sessions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no sessions recorded")
				return nil
			}
			for _, snapshot := range sessions {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-7s  pid=%-6d  %s\n",
					snapshot.ID, colorStatus(snapshot.Status), snapshot.PID, snapshot.WorkingDir)
			}
			return nil
		},
	}

	stop := &cobra.Command{
		Use:   "stop <session-id>",
		Short: "Send a graceful termination signal to a session's process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshots, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer snapshots.Close()

			snapshot, err := snapshots.GetSession(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("load session %s: %w", args[0], err)
			}
			if snapshot.PID <= 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "session %s is not running\n", snapshot.ID)
				return nil
			}
			if err := syscall.Kill(snapshot.PID, syscall.SIGTERM); err != nil {
				return fmt.Errorf("signal pid %d: %w", snapshot.PID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent SIGTERM to session %s (pid %d)\n", snapshot.ID, snapshot.PID)
			return nil
		},
	}

	cmd.AddCommand(list, stop)
	return cmd
}

func newTaskCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage the persisted task backlog",
	}

	var (
		priority         int
		dependsOn        []string
		completionPhrase string
		timeout          time.Duration
	)
	add := &cobra.Command{
		Use:   "add <prompt>",
		Short: "Append a task; the next run picks it up",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.TrimSpace(strings.Join(args, " "))
			if prompt == "" {
				return fmt.Errorf("prompt must not be empty")
			}

			snapshots, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer snapshots.Close()

			snapshot := store.TaskSnapshot{
				ID:               uuid.NewString(),
				Prompt:           prompt,
				Priority:         priority,
				Status:           "pending",
				DependsOn:        dependsOn,
				CompletionPhrase: strings.TrimSpace(completionPhrase),
				Timeout:          timeout,
				CreatedAt:        time.Now().UTC(),
			}
			if err := snapshots.SetTask(cmd.Context(), snapshot); err != nil {
				return fmt.Errorf("persist task: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %s added\n", color.GreenString(snapshot.ID))
			return nil
		},
	}
	add.Flags().IntVar(&priority, "priority", 0, "scheduling priority, higher first")
	add.Flags().StringSliceVar(&dependsOn, "depends-on", nil, "task ids that must complete first")
	add.Flags().StringVar(&completionPhrase, "completion-phrase", "", "output phrase that marks the task done")
	add.Flags().DurationVar(&timeout, "timeout", 0, "optional task timeout")

	var statusFilter string
	list := &cobra.Command{
		Use:   "list",
		Short: "List persisted tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			snapshots, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer snapshots.Close()

			tasks, err := snapshots.ListTasks(cmd.Context())
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}
			sort.Slice(tasks, func(i, j int) bool {
				if tasks[i].Priority != tasks[j].Priority {
					return tasks[i].Priority > tasks[j].Priority
				}
				return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
			})

			shown := 0
			for _, snapshot := range tasks {
				if statusFilter != "" && snapshot.Status != statusFilter {
					continue
				}
				shown++
				line := fmt.Sprintf("%s  %-9s  p=%-3d  %s",
					snapshot.ID, colorStatus(snapshot.Status), snapshot.Priority, truncate(snapshot.Prompt, 70))
				if len(snapshot.DependsOn) > 0 {
					line += fmt.Sprintf("  after=%s", strings.Join(snapshot.DependsOn, ","))
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			if shown == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no matching tasks")
			}
			return nil
		},
	}
	list.Flags().StringVar(&statusFilter, "status", "", "filter by status (pending|running|completed|failed)")

	var clearFailed bool
	clear := &cobra.Command{
		Use:   "clear",
		Short: "Remove completed tasks from the store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			snapshots, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer snapshots.Close()

			tasks, err := snapshots.ListTasks(cmd.Context())
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}
			removed := 0
			for _, snapshot := range tasks {
				if snapshot.Status != "completed" && !(clearFailed && snapshot.Status == "failed") {
					continue
				}
				if err := snapshots.RemoveTask(cmd.Context(), snapshot.ID); err != nil {
					return fmt.Errorf("remove task %s: %w", snapshot.ID, err)
				}
				removed++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d tasks\n", removed)
			return nil
		},
	}
	clear.Flags().BoolVar(&clearFailed, "failed", false, "also remove failed tasks")

	cmd.AddCommand(add, list, clear)
	return cmd
}

func newStatusCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize persisted sessions and backlog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			snapshots, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer snapshots.Close()

			sessions, err := snapshots.ListSessions(cmd.Context())
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			tasks, err := snapshots.ListTasks(cmd.Context())
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}

			sessionCounts := map[string]int{}
			for _, snapshot := range sessions {
				sessionCounts[snapshot.Status]++
			}
			taskCounts := map[string]int{}
			for _, snapshot := range tasks {
				taskCounts[snapshot.Status]++
			}

			heading := color.New(color.FgCyan, color.Bold)
			heading.Fprintln(cmd.OutOrStdout(), "sessions")
			printCounts(cmd, sessionCounts)
			heading.Fprintln(cmd.OutOrStdout(), "tasks")
			printCounts(cmd, taskCounts)
			return nil
		},
	}
}

func printCounts(cmd *cobra.Command, counts map[string]int) {
	if len(counts) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "  none")
		return
	}
	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(cmd.OutOrStdout(), "  %-10s %d\n", colorStatus(key), counts[key])
	}
}

func colorStatus(status string) string {
	switch status {
	case "idle", "pending":
		return color.YellowString(status)
	case "busy", "running":
		return color.CyanString(status)
	case "completed":
		return color.GreenString(status)
	case "error", "failed":
		return color.RedString(status)
	case "stopped":
		return color.New(color.Faint).Sprint(status)
	default:
		return status
	}
}

func truncate(text string, max int) string {
	text = strings.ReplaceAll(text, "\n", " ")
	if len(text) <= max {
		return text
	}
	return text[:max-3] + "..."
}
