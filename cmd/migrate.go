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

	migrate "github.com/rubenv/sql-migrate"
	"github.com/spf13/cobra"

	"github.com/blnkfinance/flashsale/database"
	"github.com/blnkfinance/flashsale/internal/shard"
)

// migrateCommands creates the root command for the order shard migrations.
func migrateCommands(app *flashsaleInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "create or drop the order shard tables",
	}

	cmd.AddCommand(migrateDirectionCommand(app, "up", migrate.Up, "Applied %d migrations!\n"))
	cmd.AddCommand(migrateDirectionCommand(app, "down", migrate.Down, "Rolled back %d migrations!\n"))

	return cmd
}

func migrateDirectionCommand(app *flashsaleInstance, use string, dir migrate.MigrationDirection, report string) *cobra.Command {
	return &cobra.Command{
		Use: use,
		RunE: func(cmd *cobra.Command, args []string) error {
			cnf := app.cnf
			router, err := shard.NewRouter(cnf.Sale.ShardCount)
			if err != nil {
				return err
			}

			db, err := database.ConnectDB(cnf.DataSource)
			if err != nil {
				return fmt.Errorf("error connecting to database: %w", err)
			}
			defer db.Close()

			n, err := database.Migrate(db, cnf.DataSource.Driver, router.Tables(), dir)
			if err != nil {
				return fmt.Errorf("error migrating %s: %w", use, err)
			}
			fmt.Printf(report, n)
			return nil
		},
	}
}
