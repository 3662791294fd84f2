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

	"github.com/spf13/cobra"

	"github.com/blnkfinance/flashsale/config"
)

func configCommands() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "config outputs your instance's computed configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Fetch()
			if err != nil {
				return fmt.Errorf("error getting config: %w", err)
			}

			redacted := *cfg
			if redacted.Server.SecretKey != "" {
				redacted.Server.SecretKey = "********"
			}
			if redacted.Collaborators.Headers.Authorization != "" {
				redacted.Collaborators.Headers.Authorization = "********"
			}

			data, err := json.MarshalIndent(redacted, "", "    ")
			if err != nil {
				return fmt.Errorf("error printing config: %w", err)
			}
			fmt.Println(string(data))
			return nil
		},
	}
	return cmd
}
