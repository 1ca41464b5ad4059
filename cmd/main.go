/*
Copyright 2025 Pulse Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/pulsehq/pulse"
	"github.com/pulsehq/pulse/config"
	"github.com/pulsehq/pulse/database"
	"github.com/pulsehq/pulse/internal/notification"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Cli encapsulates the root Cobra command.
type Cli struct {
	cmd *cobra.Command
}

// pulseInstance holds the Pulse service and its configuration, shared by
// every subcommand.
type pulseInstance struct {
	pulse *pulse.Pulse
	cnf   *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and wires the Pulse service before any
// subcommand executes.
func preRun(app *pulseInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("pulse.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newPulse, err := setupPulse(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.pulse = newPulse
		app.cnf = cnf

		return nil
	}
}

func setupPulse(cfg *config.Configuration) (*pulse.Pulse, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	newPulse, err := pulse.NewPulse(db)
	if err != nil {
		return nil, fmt.Errorf("error creating pulse: %v", err)
	}
	return newPulse, nil
}

// NewCLI builds the command tree: `pulse start` runs the HTTP API and
// `pulse workers` runs the queue consumers and sweeps.
func NewCLI() *Cli {
	var configFile string
	p := &pulseInstance{}

	var rootCmd = &cobra.Command{
		Use:   "pulse",
		Short: "Status tracking for disaster response",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./pulse.json", "Configuration file for pulse")

	rootCmd.PersistentPreRunE = preRun(p)

	rootCmd.AddCommand(serverCommands(p))
	rootCmd.AddCommand(workerCommands(p))

	return &Cli{cmd: rootCmd}
}

func (c Cli) executeCLI() {
	if err := c.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
