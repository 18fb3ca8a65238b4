package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/quarry/pkg/auth"
	"github.com/cuemby/quarry/pkg/types"
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage API keys",
}

var keyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new API key",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		rawActions, _ := cmd.Flags().GetStringSlice("action")
		indexes, _ := cmd.Flags().GetStringSlice("index")
		name, _ := cmd.Flags().GetString("name")

		actions := make([]types.APIKeyAction, 0, len(rawActions))
		for _, a := range rawActions {
			actions = append(actions, types.APIKeyAction(a))
		}

		params := auth.CreateParams{Actions: actions, Indexes: indexes}
		if name != "" {
			params.Name = &name
		}

		key, err := e.CreateAPIKey(params)
		if err != nil {
			return fmt.Errorf("creating API key: %w", err)
		}
		fmt.Printf("uid: %s\nkey: %s\n", key.UID, key.Key)
		return nil
	},
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		keys, total, err := e.ListAPIKeys(0, 0)
		if err != nil {
			return fmt.Errorf("listing API keys: %w", err)
		}
		fmt.Printf("%-38s %-24s %s\n", "UID", "NAME", "ACTIONS")
		for _, k := range keys {
			name := "<unnamed>"
			if k.Name != nil {
				name = *k.Name
			}
			fmt.Printf("%-38s %-24s %v\n", k.UID, name, k.Actions)
		}
		fmt.Printf("\n%d total\n", total)
		return nil
	},
}

var keyDeleteCmd = &cobra.Command{
	Use:   "delete UID",
	Short: "Delete an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.DeleteAPIKey(args[0]); err != nil {
			return fmt.Errorf("deleting API key: %w", err)
		}
		fmt.Println("key deleted")
		return nil
	},
}

func init() {
	keyCmd.AddCommand(keyCreateCmd, keyListCmd, keyDeleteCmd)

	keyCreateCmd.Flags().String("name", "", "Human-readable name")
	keyCreateCmd.Flags().StringSlice("action", []string{"*"}, "Granted actions (e.g. search, documents.add, *)")
	keyCreateCmd.Flags().StringSlice("index", []string{"*"}, "Granted index uids, or * for every index")
}
