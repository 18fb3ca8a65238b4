package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/quarry/pkg/engine"
	"github.com/cuemby/quarry/pkg/log"
)

// Version information, set via ldflags during build.
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "quarry",
	Short:   "Quarry is an embedded full-text search indexing core",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("quarry version %s\ncommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("data-dir", "./quarry-data", "Data directory for the instance")
	rootCmd.PersistentFlags().String("master-key", "", "Master key; leave empty to disable API key management")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(documentCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(keyCmd)
	rootCmd.AddCommand(dumpCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOutput})
}

// openEngine builds an Engine over the configured data directory without
// starting its scheduler loop. Every command opens the engine through
// this; the server command then starts the loop itself.
func openEngine(cmd *cobra.Command) (*engine.Engine, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	masterKey, _ := cmd.Flags().GetString("master-key")
	return engine.New(engine.Config{
		DataDir:       dataDir,
		MaxSortMemory: 64 << 20,
		MasterKey:     masterKey,
	})
}
