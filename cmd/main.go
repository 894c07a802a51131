/*
Copyright 2024 Blnk Finance Authors.

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

	"github.com/blnkfinance/bankfeed"
	"github.com/blnkfinance/bankfeed/config"
	"github.com/blnkfinance/bankfeed/database"
	"github.com/blnkfinance/bankfeed/internal/notification"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Bankfeed represents the CLI application, encapsulating the root Cobra command.
type Bankfeed struct {
	cmd *cobra.Command
}

// bankfeedInstance holds the wired service and its configuration for the
// lifetime of one command.
type bankfeedInstance struct {
	bankfeed *bankfeed.Bankfeed
	cnf      *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads .env and the configuration file, then wires the service.
func preRun(app *bankfeedInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			logrus.WithError(err).Warn("could not load .env file")
		}

		err := config.InitConfig(*configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newBankfeed, err := setupBankfeed(cnf)
		if err != nil {
			notification.NotifyError(notification.NewSlackNotifier(cnf.Notification.Slack.WebhookUrl, nil), err)
			log.Fatal(err)
		}

		app.bankfeed = newBankfeed
		app.cnf = cnf
		return nil
	}
}

func setupBankfeed(cfg *config.Configuration) (*bankfeed.Bankfeed, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	newBankfeed, err := bankfeed.NewBankfeed(db)
	if err != nil {
		return nil, fmt.Errorf("error creating bankfeed: %v", err)
	}
	return newBankfeed, nil
}

// NewCLI creates the root command and its subcommands.
func NewCLI() *Bankfeed {
	var configFile string
	b := &bankfeedInstance{}

	var rootCmd = &cobra.Command{
		Use:   "bankfeed",
		Short: "Bank transaction sync and ingestion",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./bankfeed.json", "Configuration file for bankfeed")
	rootCmd.PersistentPreRunE = preRun(b, &configFile)

	rootCmd.AddCommand(serverCommands(b))
	rootCmd.AddCommand(workerCommands(b))
	rootCmd.AddCommand(migrateCommands(b))
	rootCmd.AddCommand(syncCommands(b))
	rootCmd.AddCommand(configCommands(b))

	return &Bankfeed{cmd: rootCmd}
}

func (w Bankfeed) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
