package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage indexes",
}

var indexCreateCmd = &cobra.Command{
	Use:   "create UID",
	Short: "Enqueue creation of a new index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		var primaryKey *string
		if pk, _ := cmd.Flags().GetString("primary-key"); pk != "" {
			primaryKey = &pk
		}

		task, err := e.EnqueueIndexCreation(args[0], primaryKey)
		if err != nil {
			return fmt.Errorf("enqueuing index creation: %w", err)
		}
		fmt.Printf("enqueued task %d (%s)\n", task.UID, task.Kind)
		return nil
	},
}

var indexListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered indexes",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		indexes, err := e.ListIndexes()
		if err != nil {
			return fmt.Errorf("listing indexes: %w", err)
		}
		if len(indexes) == 0 {
			fmt.Println("no indexes")
			return nil
		}
		fmt.Printf("%-20s %-12s %s\n", "UID", "PRIMARY KEY", "CREATED")
		for _, idx := range indexes {
			pk := "<none>"
			if idx.PrimaryKey != nil {
				pk = *idx.PrimaryKey
			}
			fmt.Printf("%-20s %-12s %s\n", idx.UID, pk, idx.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var indexDeleteCmd = &cobra.Command{
	Use:   "delete UID",
	Short: "Enqueue deletion of an index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		task, err := e.EnqueueIndexDeletion(args[0])
		if err != nil {
			return fmt.Errorf("enqueuing index deletion: %w", err)
		}
		fmt.Printf("enqueued task %d (%s)\n", task.UID, task.Kind)
		return nil
	},
}

var indexSwapCmd = &cobra.Command{
	Use:   "swap A:B [C:D...]",
	Short: "Enqueue an atomic swap of one or more index pairs",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		pairs, err := parseSwapPairs(args)
		if err != nil {
			return err
		}

		task, err := e.EnqueueIndexSwap(pairs)
		if err != nil {
			return fmt.Errorf("enqueuing index swap: %w", err)
		}
		fmt.Printf("enqueued task %d (%s)\n", task.UID, task.Kind)
		return nil
	},
}

func init() {
	indexCmd.AddCommand(indexCreateCmd, indexListCmd, indexDeleteCmd, indexSwapCmd)
	indexCreateCmd.Flags().String("primary-key", "", "Primary key field name; inferred from the first import if omitted")
}
