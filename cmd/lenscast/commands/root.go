package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "lenscast",
		Short: "lenscast - multi-stream MJPEG server",
		Long: `lenscast serves one Motion JPEG stream per TCP port to any number of
viewers. Every viewer gets its own small drop-oldest queue, so a slow or
stalled client never holds back the producer or the other viewers.

Features:
  • One port per logical stream (e.g. wide and ultra-wide cameras)
  • Plain HTTP multipart/x-mixed-replace output, viewable in any browser
  • Test-pattern, directory replay and upstream relay frame sources
  • REST API, websocket status feed and Prometheus metrics
  • Persistent YAML configuration`,
		SilenceUsage: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/lenscast/config.yaml)")
	rootCmd.PersistentFlags().Int("api-port", 0, "control API port (default is 8080)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	// Bind flags to viper
	viper.BindPFlag("api_port", rootCmd.PersistentFlags().Lookup("api-port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	viper.SetEnvPrefix("LENSCAST")
	viper.AutomaticEnv()
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}
