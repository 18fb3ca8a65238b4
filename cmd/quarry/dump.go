package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Create dumps and snapshots of the whole instance",
}

var dumpCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Enqueue a portable dump of the instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		task, err := e.EnqueueDumpCreation()
		if err != nil {
			return fmt.Errorf("enqueuing dump creation: %w", err)
		}
		fmt.Printf("enqueued task %d (%s)\n", task.UID, task.Kind)
		return nil
	},
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Enqueue a snapshot of the instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		task, err := e.EnqueueSnapshotCreation()
		if err != nil {
			return fmt.Errorf("enqueuing snapshot creation: %w", err)
		}
		fmt.Printf("enqueued task %d (%s)\n", task.UID, task.Kind)
		return nil
	},
}

func init() {
	dumpCmd.AddCommand(dumpCreateCmd)
	rootCmd.AddCommand(snapshotCreateCmd)
}
