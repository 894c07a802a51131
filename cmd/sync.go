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
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/blnkfinance/bankfeed"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// syncCommands runs one sync for an account in the foreground and prints
// the result. It takes the same per-account lock as the workers.
func syncCommands(b *bankfeedInstance) *cobra.Command {
	var (
		providerName      string
		connectionID      string
		accountID         string
		providerAccountID string
		currency          string
		since             string
		backfill          bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "sync one account's transactions now",
		Run: func(cmd *cobra.Command, args []string) {
			defer b.bankfeed.Close()

			req := bankfeed.PipelineRequest{
				SyncRequest: bankfeed.SyncRequest{
					ConnectionID:      connectionID,
					AccountID:         accountID,
					ProviderAccountID: providerAccountID,
				},
				Currency:      currency,
				CorrelationID: uuid.New().String(),
			}
			if since != "" {
				start, err := time.Parse("2006-01-02", since)
				if err != nil {
					log.Fatalf("invalid --since %q: %v", since, err)
				}
				req.Start = start
			}
			if req.ConnectionID == "" {
				req.ConnectionID = providerName
			}

			run := b.bankfeed.RunSync
			if backfill {
				run = b.bankfeed.Backfill
			}
			result, err := run(context.Background(), providerName, req)
			if err != nil {
				log.Fatalf("sync failed: %v", err)
			}

			data, err := json.MarshalIndent(result, "", "    ")
			if err != nil {
				log.Fatalf("Error printing result: %v", err)
			}
			fmt.Println(string(data))
		},
	}

	cmd.Flags().StringVar(&providerName, "provider", "", "configured provider name")
	cmd.Flags().StringVar(&connectionID, "connection", "", "connection id, defaults to the provider name")
	cmd.Flags().StringVar(&accountID, "account", "", "internal account id")
	cmd.Flags().StringVar(&providerAccountID, "provider-account", "", "account id on the provider side")
	cmd.Flags().StringVar(&currency, "currency", "", "currency for records that carry none")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD) for a first sync or a backfill")
	cmd.Flags().BoolVar(&backfill, "backfill", false, "re-read the window without using or moving the stored cursor")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("account")

	return cmd
}
