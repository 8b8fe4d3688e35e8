package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string

	// Global flags
	host    string
	port    int
	unitID  uint8
	verbose bool

	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "modbus-slave",
	Short: "A Modbus TCP slave (server) with a user-defined register table",
	Long: `modbus-slave serves a Modbus TCP register table defined by a variable file.

Variables map typed values (bool, uint16, int16, uint32, float32) onto the
four Modbus data areas. Masters read and write them over TCP; every request
and response is logged.

Examples:
  # Serve the table in variables.json on port 502
  modbus-slave serve --variables variables.json

  # Serve on a custom port with unit ID 5
  modbus-slave serve --variables variables.json -p 1502 -u 5

  # Validate a variable file without starting the server
  modbus-slave check variables.json`,
	Version: version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Setup logger
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Configuration file
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.modbus-slave.yaml)")

	// Connection flags
	rootCmd.PersistentFlags().StringVarP(&host, "host", "H", "0.0.0.0", "Listen host")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", 502, "Listen port")
	rootCmd.PersistentFlags().Uint8VarP(&unitID, "unit", "u", 1, "Modbus unit ID (1-247)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	// Bind to viper
	viper.BindPFlag("host", rootCmd.PersistentFlags().Lookup("host"))
	viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("unit", rootCmd.PersistentFlags().Lookup("unit"))

	// Add commands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return
		}

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigName(".modbus-slave")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("MODBUS_SLAVE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}
