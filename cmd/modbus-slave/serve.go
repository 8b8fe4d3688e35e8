// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	slave "github.com/edgeo-scada/modbus-slave"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveVariablesFile string
	serveLogJSON       bool
	serveMaxConns      int
	serveReadTimeout   time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Modbus TCP slave server",
	Long: `Start the slave server with the register table from a variable file.

The variable file is a JSON array of variable definitions:

  [
    {"id": "speed", "name": "Pump speed", "area": "holding_register",
     "address": 0, "dataType": "uint16", "value": 1500},
    {"id": "run", "name": "Run flag", "area": "coil",
     "address": 0, "dataType": "bool", "value": true}
  ]

Traffic is logged to stdout until the process receives SIGINT or SIGTERM.`,
	Example: `  # Serve variables.json on the default port
  modbus-slave serve --variables variables.json

  # Emit log entries as JSON lines
  modbus-slave serve --variables variables.json --json`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveVariablesFile, "variables", "f", "", "Variable file (JSON, required)")
	serveCmd.Flags().BoolVar(&serveLogJSON, "json", false, "Emit traffic log entries as JSON lines")
	serveCmd.Flags().IntVar(&serveMaxConns, "max-conns", 100, "Maximum concurrent client connections")
	serveCmd.Flags().DurationVar(&serveReadTimeout, "read-timeout", 30*time.Second, "Idle connection timeout")
	serveCmd.MarkFlagRequired("variables")
}

func runServe(cmd *cobra.Command, args []string) error {
	variables, err := loadVariables(serveVariablesFile)
	if err != nil {
		return err
	}

	srv := slave.NewServer(
		slave.WithLogger(logger),
		slave.WithMaxConnections(serveMaxConns),
		slave.WithReadTimeout(serveReadTimeout),
	)

	profile := slave.ConnectionProfile{
		Host:   viper.GetString("host"),
		Port:   uint16(viper.GetInt("port")),
		UnitID: slave.UnitID(viper.GetInt("unit")),
	}

	entries, cancel := srv.Subscribe(256)
	defer cancel()

	status, err := srv.Start(profile, variables)
	if err != nil {
		return err
	}
	fmt.Printf("Listening on %s:%d (unit %d, %d variables)\n",
		status.Host, status.Port, status.UnitID, len(variables))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case e := <-entries:
			printEntry(e)
		case sig := <-sigCh:
			fmt.Printf("\nReceived %s, shutting down\n", sig)
			srv.Stop()
			return nil
		}
	}
}

func printEntry(e slave.LogEntry) {
	if serveLogJSON {
		data, err := json.Marshal(e)
		if err != nil {
			return
		}
		fmt.Println(string(data))
		return
	}

	switch e.EntryType {
	case slave.LogRequest:
		fmt.Printf("[%s] %-8s %s  %s  [%s]\n", e.Timestamp, "REQ", e.ClientAddr, e.Summary, e.RawData)
	case slave.LogResponse:
		fmt.Printf("[%s] %-8s %s  %s %s (%dus)  [%s]\n",
			e.Timestamp, "RESP", e.ClientAddr, e.FunctionName, e.Summary, e.DurationUs, e.RawData)
	case slave.LogError:
		fmt.Printf("[%s] %-8s %s  %s\n", e.Timestamp, "ERROR", e.ClientAddr, e.Summary)
	default:
		fmt.Printf("[%s] %-8s %s  %s\n", e.Timestamp, "INFO", e.ClientAddr, e.Summary)
	}
}

func loadVariables(path string) ([]slave.Variable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read variables: %w", err)
	}

	var variables []slave.Variable
	if err := json.Unmarshal(data, &variables); err != nil {
		return nil, fmt.Errorf("parse variables: %w", err)
	}
	return variables, nil
}
