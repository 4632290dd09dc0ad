package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/cachestream/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample cachestream configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/cachestream/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  cachestream init

  # Initialize with custom path
  cachestream init --config /etc/cachestream/config.yaml

  # Force overwrite existing config
  cachestream init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configFile := GetConfigFile()

	var configPath string
	var err error

	if configFile != "" {
		err = config.InitConfigToPath(configFile, initForce)
		configPath = configFile
	} else {
		configPath, err = config.InitConfig(initForce)
	}

	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to set your cache root and bucket")
	fmt.Println("  2. Export storage credentials:")
	fmt.Println("       export CACHESTREAM_STORAGE_ACCESS_KEY_ID=...")
	fmt.Println("       export CACHESTREAM_STORAGE_SECRET_ACCESS_KEY=...")
	fmt.Println("  3. Start streaming with: cachestream start")
	fmt.Printf("  4. Or specify custom config: cachestream start --config %s\n", configPath)

	return nil
}
