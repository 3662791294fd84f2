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

	"github.com/spf13/cobra"

	"github.com/blnkfinance/flashsale"
)

// preheatCommands loads the sale stock of an item before the sale opens.
func preheatCommands(app *flashsaleInstance) *cobra.Command {
	var itemID, stock int64

	cmd := &cobra.Command{
		Use:   "preheat",
		Short: "load the sale stock of an item",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.setup(); err != nil {
				return err
			}
			defer app.close()

			loaded, err := app.fs.Preheat(context.Background(), itemID, stock)
			if err != nil {
				return err
			}
			if !loaded {
				remaining, err := app.fs.Remaining(context.Background(), itemID)
				if err != nil {
					return err
				}
				fmt.Printf("item %d is already on sale with %d left\n", itemID, remaining)
				return nil
			}
			fmt.Printf("item %d preheated with %d units\n", itemID, stock)
			return nil
		},
	}
	cmd.Flags().Int64Var(&itemID, "item", 0, "item id")
	cmd.Flags().Int64Var(&stock, "stock", 0, "units on sale")
	_ = cmd.MarkFlagRequired("item")
	_ = cmd.MarkFlagRequired("stock")
	return cmd
}

// purchaseCommands runs a single purchase attempt, for smoke testing a
// deployment.
func purchaseCommands(app *flashsaleInstance) *cobra.Command {
	var req flashsale.PurchaseRequest

	cmd := &cobra.Command{
		Use:   "purchase",
		Short: "make one purchase attempt",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.setup(); err != nil {
				return err
			}
			defer app.close()

			res, err := app.fs.Purchase(context.Background(), req)
			if err != nil {
				return err
			}
			out, err := json.Marshal(res)
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().Int64Var(&req.BuyerID, "buyer", 0, "buyer id")
	cmd.Flags().Int64Var(&req.ItemID, "item", 0, "item id")
	return cmd
}
