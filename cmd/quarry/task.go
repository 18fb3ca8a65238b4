package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cuemby/quarry/pkg/types"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect, cancel and delete tasks",
}

var taskGetCmd = &cobra.Command{
	Use:   "get UID",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid task uid %q: %w", args[0], err)
		}

		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		task, err := e.GetTask(uid)
		if err != nil {
			return fmt.Errorf("getting task: %w", err)
		}
		printTask(task)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		filter, err := taskFilterFromFlags(cmd)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		tasks, total, err := e.ListTasks(filter, 0, limit)
		if err != nil {
			return fmt.Errorf("listing tasks: %w", err)
		}
		fmt.Printf("%-8s %-12s %-28s %-12s %s\n", "UID", "INDEX", "KIND", "STATUS", "ENQUEUED AT")
		for _, t := range tasks {
			indexUID := "<none>"
			if t.IndexUID != nil {
				indexUID = *t.IndexUID
			}
			fmt.Printf("%-8d %-12s %-28s %-12s %s\n", t.UID, indexUID, t.Kind, t.Status, t.EnqueuedAt.Format("2006-01-02 15:04:05"))
		}
		fmt.Printf("\n%d total\n", total)
		return nil
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Enqueue cancelation of every enqueued/processing task matching the given filters",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		filter, err := taskFilterFromFlags(cmd)
		if err != nil {
			return err
		}

		task, err := e.EnqueueTaskCancelation(filter)
		if err != nil {
			return fmt.Errorf("enqueuing task cancelation: %w", err)
		}
		fmt.Printf("enqueued task %d (%s)\n", task.UID, task.Kind)
		return nil
	},
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Enqueue deletion of every terminal task matching the given filters",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		filter, err := taskFilterFromFlags(cmd)
		if err != nil {
			return err
		}

		task, err := e.EnqueueTaskDeletion(filter)
		if err != nil {
			return fmt.Errorf("enqueuing task deletion: %w", err)
		}
		fmt.Printf("enqueued task %d (%s)\n", task.UID, task.Kind)
		return nil
	},
}

func printTask(t *types.Task) {
	indexUID := "<none>"
	if t.IndexUID != nil {
		indexUID = *t.IndexUID
	}
	fmt.Printf("uid:      %d\n", t.UID)
	fmt.Printf("index:    %s\n", indexUID)
	fmt.Printf("kind:     %s\n", t.Kind)
	fmt.Printf("status:   %s\n", t.Status)
	fmt.Printf("enqueued: %s\n", t.EnqueuedAt.Format("2006-01-02 15:04:05"))
	if t.StartedAt != nil {
		fmt.Printf("started:  %s\n", t.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if t.FinishedAt != nil {
		fmt.Printf("finished: %s\n", t.FinishedAt.Format("2006-01-02 15:04:05"))
	}
	if t.Error != nil {
		fmt.Printf("error:    [%s] %s\n", t.Error.Code, t.Error.Message)
	}
}

func taskFilterFromFlags(cmd *cobra.Command) (types.TaskFilter, error) {
	var filter types.TaskFilter

	if indexUIDs, _ := cmd.Flags().GetStringSlice("index"); len(indexUIDs) > 0 {
		filter.IndexUIDs = indexUIDs
	}
	if statuses, _ := cmd.Flags().GetStringSlice("status"); len(statuses) > 0 {
		for _, s := range statuses {
			filter.Statuses = append(filter.Statuses, types.TaskStatus(s))
		}
	}
	if uids, _ := cmd.Flags().GetUintSlice("uid"); len(uids) > 0 {
		for _, uid := range uids {
			filter.UIDs = append(filter.UIDs, uint64(uid))
		}
	}
	return filter, nil
}

func init() {
	taskCmd.AddCommand(taskGetCmd, taskListCmd, taskCancelCmd, taskDeleteCmd)

	taskListCmd.Flags().Int("limit", 20, "Maximum number of tasks to show")
	for _, cmd := range []*cobra.Command{taskListCmd, taskCancelCmd, taskDeleteCmd} {
		cmd.Flags().StringSlice("index", nil, "Restrict to these index uids")
		cmd.Flags().StringSlice("status", nil, "Restrict to these statuses (enqueued, processing, succeeded, failed, canceled)")
		cmd.Flags().UintSlice("uid", nil, "Restrict to these task uids")
	}
}
