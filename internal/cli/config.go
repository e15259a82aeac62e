package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/barnlabs/barn/internal/cli/ui"
	"github.com/barnlabs/barn/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read and write barn.toml",
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one config value",
	Long: `Print the effective value of a dotted config key, after the file,
environment, and defaults are merged.

  barn config get worker.count
  barn config get database.url`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Write one config value to the config file",
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write a commented default barn.toml",
	RunE:  runConfigGenerate,
}

func init() {
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGenerateCmd)
}

func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = "barn.toml"
	}
	return path
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	if !config.IsValidKey(key) {
		return fmt.Errorf("unknown config key %q", key)
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	value, err := config.GetValue(cfg, key)
	if err != nil {
		return err
	}
	fmt.Println(value)
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]
	if !config.IsValidKey(key) {
		return fmt.Errorf("unknown config key %q", key)
	}
	path := configPath(cmd)
	if err := config.SetValue(path, key, value); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%s set %s = %s in %s\n",
		ui.StyleSuccess.Render(ui.SymbolCheck), key, value, path)
	return nil
}

func runConfigGenerate(cmd *cobra.Command, args []string) error {
	path := configPath(cmd)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists; remove it first", path)
	}
	if err := config.GenerateDefault(path); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%s wrote %s\n", ui.StyleSuccess.Render(ui.SymbolCheck), path)
	return nil
}
