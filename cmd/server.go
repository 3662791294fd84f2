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

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/blnkfinance/flashsale/api"
)

// serverCommands defines the "start" command serving the purchase API.
func serverCommands(app *flashsaleInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start the flashsale purchase server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := app.setup(); err != nil {
				return err
			}
			defer app.close()

			shutdown, err := initializeTracing(ctx, app.cnf)
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

			srv := &http.Server{
				Addr:              fmt.Sprintf(":%s", app.cnf.Server.Port),
				Handler:           api.NewAPI(app.fs, app.cnf).Router(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				logrus.Infof("flashsale server listening on %s", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logrus.Errorf("could not start server: %v", err)
					stop()
				}
			}()

			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	return cmd
}
