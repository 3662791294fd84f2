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
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/blnkfinance/flashsale"
	"github.com/blnkfinance/flashsale/clients"
	"github.com/blnkfinance/flashsale/config"
	"github.com/blnkfinance/flashsale/database"
	"github.com/blnkfinance/flashsale/internal/cache"
	"github.com/blnkfinance/flashsale/internal/gate"
	"github.com/blnkfinance/flashsale/internal/idgen"
	"github.com/blnkfinance/flashsale/internal/notification"
	redis_db "github.com/blnkfinance/flashsale/internal/redis-db"
	"github.com/blnkfinance/flashsale/internal/shard"
	"github.com/blnkfinance/flashsale/internal/txmsg"
	"github.com/blnkfinance/flashsale/ledger"
)

// priceCacheSize bounds the in-process tier of the price cache.
const priceCacheSize = 10000

// CLI represents the command-line application, encapsulating the root Cobra command.
type CLI struct {
	cmd *cobra.Command
}

// flashsaleInstance holds the runtime pipeline and its configuration.
type flashsaleInstance struct {
	fs    *flashsale.FlashSale
	queue *flashsale.Queue
	redis *redis_db.Redis
	db    *database.Datasource
	cnf   *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration file named by --config before any command.
func preRun(app *flashsaleInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := config.InitConfig(*configFile); err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		cnf, err := config.Fetch()
		if err != nil {
			return err
		}
		app.cnf = cnf
		return nil
	}
}

// setup connects the stores and builds the pipeline. Commands that only
// read the configuration never call it.
func (app *flashsaleInstance) setup() error {
	if app.fs != nil {
		return nil
	}
	cfg := app.cnf

	rdb, err := redis_db.NewRedisClient([]string{cfg.Redis.Dns}, cfg.Redis.SkipTLSVerify)
	if err != nil {
		return fmt.Errorf("error connecting to redis: %w", err)
	}
	router, err := shard.NewRouter(cfg.Sale.ShardCount)
	if err != nil {
		return err
	}
	ids, err := idgen.New(idgen.Options{
		WorkerID:     cfg.Sale.WorkerID,
		DatacenterID: cfg.Sale.DatacenterID,
		ShardCount:   cfg.Sale.ShardCount,
	})
	if err != nil {
		return err
	}
	db, err := database.NewDataSource(cfg, router)
	if err != nil {
		return fmt.Errorf("error getting datasource: %w", err)
	}
	queue, err := flashsale.NewQueue(cfg)
	if err != nil {
		return err
	}

	client := rdb.Client()
	collab := cfg.Collaborators
	auth := collab.Headers.Authorization
	catalog := clients.NewCachedCatalog(
		clients.NewCatalogClient(collab.CatalogURL, collab.CatalogTimeout(), auth),
		cache.NewRedisCache(client, priceCacheSize, collab.PriceCacheTTL()),
		collab.PriceCacheTTL(),
	)

	fs, err := flashsale.NewFlashSale(flashsale.Dependencies{
		Ledger:    ledger.New(client, ledger.Options{
			MarkerTTL:        cfg.Sale.MarkerTTL(),
			RollbackGuardTTL: cfg.Sale.RollbackGuardTTL(),
			CallTimeout:      cfg.Sale.ReserveTimeout(),
		}),
		IDs:       ids,
		Router:    router,
		Store:     db,
		HalfStore: txmsg.NewRedisStore(client),
		Publisher: queue,
		Gate: gate.New(gate.Options{
			SoldOutTTL: cfg.Sale.SoldOutTTL(),
			BuyerRate:  cfg.Sale.BuyerRateLimit,
			BuyerBurst: cfg.Sale.BuyerRateBurst,
		}),
		Catalog:   catalog,
		Payments:  clients.NewPaymentClient(collab.PaymentURL, collab.PaymentTimeout(), auth),
		Inventory: clients.NewInventoryClient(collab.InventoryURL, collab.InventoryTimeout(), auth),
		Scheduler: queue,
	}, flashsale.Options{
		PurchaseTopic:    cfg.Queue.PurchaseQueue,
		CatalogTimeout:   collab.CatalogTimeout(),
		PaymentTimeout:   collab.PaymentTimeout(),
		InventoryTimeout: collab.InventoryTimeout(),
		CheckInterval:    cfg.Transaction.CheckInterval(),
		MaxChecks:        cfg.Transaction.MaxChecks,
	})
	if err != nil {
		notification.NotifyError(err)
		return err
	}

	app.fs = fs
	app.queue = queue
	app.redis = rdb
	app.db = db
	return nil
}

func (app *flashsaleInstance) close() {
	if app.queue != nil {
		_ = app.queue.Close()
	}
	if app.db != nil {
		_ = app.db.Conn.Close()
	}
	if app.redis != nil {
		_ = app.redis.Close()
	}
}

// NewCLI creates the command-line interface with its subcommands.
func NewCLI() *CLI {
	var configFile string
	app := &flashsaleInstance{}

	rootCmd := &cobra.Command{
		Use:          "flashsale",
		Short:        "Flash sale admission and settlement pipeline",
		SilenceUsage: true,
		Run:          func(cmd *cobra.Command, args []string) { _ = cmd.Help() },
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./flashsale.json", "Configuration file for flashsale")
	rootCmd.PersistentPreRunE = preRun(app, &configFile)

	rootCmd.AddCommand(serverCommands(app))
	rootCmd.AddCommand(workerCommands(app))
	rootCmd.AddCommand(migrateCommands(app))
	rootCmd.AddCommand(preheatCommands(app))
	rootCmd.AddCommand(purchaseCommands(app))
	rootCmd.AddCommand(configCommands())

	return &CLI{cmd: rootCmd}
}

func (c CLI) executeCLI() {
	if err := c.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	NewCLI().executeCLI()
}
