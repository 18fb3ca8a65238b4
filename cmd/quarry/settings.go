package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Update or reset an index's settings",
}

var settingsUpdateCmd = &cobra.Command{
	Use:   "update INDEX_UID PATCH_FILE",
	Short: "Enqueue a settings patch read from a JSON or YAML file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		indexUID, path := args[0], args[1]

		patch, err := loadPatchDocument(path)
		if err != nil {
			return err
		}

		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		task, err := e.EnqueueSettingsUpdate(indexUID, patch, false)
		if err != nil {
			return fmt.Errorf("enqueuing settings update: %w", err)
		}
		fmt.Printf("enqueued task %d (%s)\n", task.UID, task.Kind)
		return nil
	},
}

var settingsResetCmd = &cobra.Command{
	Use:   "reset INDEX_UID PATCH_FILE",
	Short: "Enqueue resetting the fields named in a patch file back to their defaults",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		indexUID, path := args[0], args[1]

		patch, err := loadPatchDocument(path)
		if err != nil {
			return err
		}

		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		task, err := e.EnqueueSettingsUpdate(indexUID, patch, true)
		if err != nil {
			return fmt.Errorf("enqueuing settings reset: %w", err)
		}
		fmt.Printf("enqueued task %d (%s)\n", task.UID, task.Kind)
		return nil
	},
}

func init() {
	settingsCmd.AddCommand(settingsUpdateCmd, settingsResetCmd)
	rootCmd.AddCommand(settingsCmd)
}
