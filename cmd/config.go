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
	"encoding/json"
	"fmt"
	"log"

	"github.com/blnkfinance/bankfeed/config"
	"github.com/spf13/cobra"
)

const redacted = "********"

// redact returns a copy of the configuration that is safe to print.
func redact(cfg config.Configuration) config.Configuration {
	if cfg.Server.SecretKey != "" {
		cfg.Server.SecretKey = redacted
	}
	if cfg.Webhook.Secret != "" {
		cfg.Webhook.Secret = redacted
	}
	providers := make([]config.ProviderConfig, len(cfg.Providers))
	for i, p := range cfg.Providers {
		if p.SecretKey != "" {
			p.SecretKey = redacted
		}
		if p.Token != "" {
			p.Token = redacted
		}
		if p.ClientSecret != "" {
			p.ClientSecret = redacted
		}
		providers[i] = p
	}
	cfg.Providers = providers
	return cfg
}

func configCommands(b *bankfeedInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "config outputs your instance's computed configuration",
		Run: func(cmd *cobra.Command, args []string) {
			data, err := json.MarshalIndent(redact(*b.cnf), "", "    ")
			if err != nil {
				log.Fatalf("Error printing config: %v\n", err)
			}
			fmt.Println(string(data))
		},
	}
	return cmd
}
