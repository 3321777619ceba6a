package cmd

import (
	"strings"

	"github.com/kferreira/mdpilot/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "mdpilot",
	Short: "Gated protein MD pipeline orchestrator",
	Long: `Mdpilot drives a protein molecular-dynamics pipeline as a sequence
of gated capability invocations: structure preparation, force-field
assignment, simulation, and analysis, each admitted only when the
facts it depends on are established and each recorded in an
append-only run history.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/mdpilot/config.yaml)")
	rootCmd.PersistentFlags().StringP("workdir", "w", "", "run working directory")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("workdir", rootCmd.PersistentFlags().Lookup("workdir"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("MDPILOT")
	// Replace dots with underscores for nested keys in env vars
	// e.g., MDPILOT_JOB_RUNNER for job.runner
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
