package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "fleetd-control",
	Short: "Fleet control plane for remote device management",
	Long: `fleetd-control is the control-plane server for a fleet of
edge devices: target/current state reconciliation, staged image
rollouts, remote jobs, and liveness tracking.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults to environment variables only)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)

	viper.SetEnvPrefix("")
	viper.AutomaticEnv()
	cobra.OnInitialize(func() {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
			_ = viper.ReadInConfig()
		}
	})
}
