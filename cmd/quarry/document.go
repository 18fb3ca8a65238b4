package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/quarry/pkg/types"
)

var documentCmd = &cobra.Command{
	Use:   "document",
	Short: "Add, update, delete and clear documents",
}

var documentImportCmd = &cobra.Command{
	Use:   "import INDEX_UID FILE",
	Short: "Stage a document payload and enqueue an import task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		indexUID, path := args[0], args[1]

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening payload file: %w", err)
		}
		defer f.Close()

		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		method := types.MethodReplace
		if update, _ := cmd.Flags().GetBool("update"); update {
			method = types.MethodUpdate
		}

		format, err := parsePayloadFormat(cmd)
		if err != nil {
			return err
		}

		var primaryKey *string
		if pk, _ := cmd.Flags().GetString("primary-key"); pk != "" {
			primaryKey = &pk
		}

		task, err := e.EnqueueDocumentImport(indexUID, method, format, primaryKey, f)
		if err != nil {
			return fmt.Errorf("enqueuing document import: %w", err)
		}
		fmt.Printf("enqueued task %d (%s)\n", task.UID, task.Kind)
		return nil
	},
}

var documentDeleteCmd = &cobra.Command{
	Use:   "delete INDEX_UID ID [ID...]",
	Short: "Enqueue removal of specific documents by id",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		task, err := e.EnqueueDocumentDeletion(args[0], args[1:])
		if err != nil {
			return fmt.Errorf("enqueuing document deletion: %w", err)
		}
		fmt.Printf("enqueued task %d (%s)\n", task.UID, task.Kind)
		return nil
	},
}

var documentClearCmd = &cobra.Command{
	Use:   "clear INDEX_UID",
	Short: "Enqueue removal of every document in an index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		task, err := e.EnqueueDocumentClear(args[0])
		if err != nil {
			return fmt.Errorf("enqueuing document clear: %w", err)
		}
		fmt.Printf("enqueued task %d (%s)\n", task.UID, task.Kind)
		return nil
	},
}

func parsePayloadFormat(cmd *cobra.Command) (types.PayloadFormat, error) {
	raw, _ := cmd.Flags().GetString("format")
	switch raw {
	case "json":
		return types.FormatJSON, nil
	case "ndjson":
		return types.FormatNDJSON, nil
	case "csv":
		return types.FormatCSV, nil
	default:
		return "", fmt.Errorf("unknown format %q, expected json, ndjson or csv", raw)
	}
}

func init() {
	documentCmd.AddCommand(documentImportCmd, documentDeleteCmd, documentClearCmd)

	documentImportCmd.Flags().String("format", "json", "Payload format: json, ndjson or csv")
	documentImportCmd.Flags().Bool("update", false, "Merge into existing documents instead of replacing them")
	documentImportCmd.Flags().String("primary-key", "", "Primary key field name; inferred if omitted")
}
