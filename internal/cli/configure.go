package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/meridian-labs/contactd/internal/config"
	"github.com/spf13/cobra"
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write a starter configuration file",
	Long: `Write the default configuration to the config path. Existing files
are not overwritten. Edit the result to set the provider API key, the
report database DSN and the query template path.`,
	RunE: runConfigure,
}

func init() {
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	path := cfgFile
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, ".contactd", "contactd.json")
	}

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("configuration already exists at %s; edit it instead", path)
	}

	if err := config.NewLoader(path).Save(config.DefaultConfig()); err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}

	fmt.Printf("Configuration written to %s.\n", path)
	fmt.Println("Set models.openai_api_key (or CONTACTD_OPENAI_API_KEY),")
	fmt.Println("database.dsn and queries.config_path before running 'contactd serve'.")
	return nil
}
