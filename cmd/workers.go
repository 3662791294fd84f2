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
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"

	"github.com/blnkfinance/flashsale"
	"github.com/blnkfinance/flashsale/config"
	redlock "github.com/blnkfinance/flashsale/internal/lock"
	redis_db "github.com/blnkfinance/flashsale/internal/redis-db"
	trace "github.com/blnkfinance/flashsale/internal/traces"
	"github.com/blnkfinance/flashsale/internal/txmsg"
)

const checkBackLockKey = "flashsale:txmsg:checkback:lock"

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

// consumer is one asynq server bound to a single queue. Each consumer has
// its own pool so a slow queue cannot starve the others.
type consumer struct {
	name    string
	queue   string
	workers int
	handler asynq.HandlerFunc
}

func consumers(app *flashsaleInstance) []consumer {
	q := app.cnf.Queue
	return []consumer{
		{name: "materializer", queue: q.PurchaseQueue, workers: q.MaterializerConcurrency, handler: app.fs.ProcessPurchaseIntent},
		{name: "compensator", queue: q.OrderTimeoutQueue, workers: q.CompensatorConcurrency, handler: app.fs.ProcessOrderTimeout},
		{name: "dead letter monitor", queue: q.DeadLetterQueue, workers: q.DeadLetterConcurrency, handler: flashsale.ProcessDeadLetter},
	}
}

func initializeWorkerServer(opt asynq.RedisConnOpt, c consumer, onError asynq.ErrorHandler) *asynq.Server {
	return asynq.NewServer(opt, asynq.Config{
		Concurrency:     c.workers,
		Queues:          map[string]int{c.queue: 1},
		ErrorHandler:    onError,
		ShutdownTimeout: 10 * time.Second,
	})
}

func initializeTracing(ctx context.Context, cnf *config.Configuration) (func(context.Context) error, error) {
	if !cnf.EnableTelemetry {
		return nil, nil
	}
	if err := config.SetExporterEnvs(); err != nil {
		return nil, err
	}
	return trace.SetupOTelSDK(ctx, cnf.ProjectName)
}

// initializeRouter serves health checks and the asynq monitoring UI.
func initializeRouter(app *flashsaleInstance, opt asynq.RedisConnOpt) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := app.redis.Client().Ping(ctx).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "DOWN", "redis": err.Error()})
			return
		}
		if err := app.db.Conn.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "DOWN", "database": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "UP"})
	})

	monitor := asynqmon.New(asynqmon.Options{
		RootPath:     "/monitoring",
		RedisConnOpt: opt,
	})
	router.Any("/monitoring/*path", gin.WrapH(monitor))
	return router
}

// workerCommands defines the "workers" command. It runs the materializer,
// the timeout compensator, the dead letter monitor and the check-back
// processor until the process is signalled.
func workerCommands(app *flashsaleInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start flashsale workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := app.setup(); err != nil {
				return err
			}
			defer app.close()
			cnf := app.cnf

			shutdown, err := initializeTracing(ctx, cnf)
			if err != nil {
				return err
			}
			if shutdown != nil {
				defer func() {
					if err := shutdown(context.Background()); err != nil {
						logrus.Errorf("error during tracing shutdown: %v", err)
					}
				}()
			}

			opt, err := redis_db.AsynqOpt(cnf.Redis.Dns, cnf.Redis.SkipTLSVerify)
			if err != nil {
				return err
			}
			forwarder := flashsale.NewDeadLetterForwarder(app.queue, cnf.Queue.DeadLetterQueue)

			var servers []*asynq.Server
			for _, c := range consumers(app) {
				mux := asynq.NewServeMux()
				mux.HandleFunc(c.queue, c.handler)
				srv := initializeWorkerServer(opt, c, forwarder)
				if err := srv.Start(mux); err != nil {
					return fmt.Errorf("could not start %s: %w", c.name, err)
				}
				logrus.Infof(" [*] %s consuming %s with %d workers", c.name, c.queue, c.workers)
				servers = append(servers, srv)
			}
			defer func() {
				for _, srv := range servers {
					srv.Shutdown()
				}
			}()

			tx := cnf.Transaction
			checkBack := txmsg.NewCheckBackProcessor(
				app.fs.Coordinator(),
				redlock.NewLocker(app.redis.Client(), checkBackLockKey),
				txmsg.CheckBackOptions{
					PollInterval: tx.CheckInterval(),
					BatchSize:    tx.CheckBatchSize,
					MaxWorkers:   tx.CheckWorkers,
					LockTTL:      tx.LockDuration(),
				},
			)
			checkBack.Start(ctx)
			defer checkBack.Stop()

			ops := &http.Server{
				Addr:              fmt.Sprintf(":%s", cnf.Queue.MonitoringPort),
				Handler:           initializeRouter(app, opt),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				logrus.Infof("ops server listening on %s (/health, /monitoring)", ops.Addr)
				if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logrus.Errorf("could not start ops server: %v", err)
					stop()
				}
			}()

			<-ctx.Done()
			logrus.Info("shutting down workers")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return ops.Shutdown(shutdownCtx)
		},
	}

	return cmd
}
