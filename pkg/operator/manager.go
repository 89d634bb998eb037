/*
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

package operator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownGrace = 10 * time.Second

// Start runs every controller and HTTP listener until ctx is cancelled, then
// drains the listeners and returns the first fatal error, if any.
func (o *Operator) Start(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	for _, c := range o.controllers {
		c := c
		group.Go(func() error {
			o.Logger.Info("starting controller", zap.String("controller", c.Name()))
			if err := c.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("controller %s, %w", c.Name(), err)
			}
			return nil
		})
	}

	o.serve(ctx, group, "proxy", o.Options.ProxyAddr, o.Proxy.Routes())
	o.serve(ctx, group, "worker-api", o.Options.WorkerAPIAddr, o.WorkerAPI.Routes())

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := o.DB.PingContext(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	o.serve(ctx, group, "metrics", o.Options.MetricsAddr, metricsMux)

	err := group.Wait()
	if closeErr := o.DB.Close(); closeErr != nil {
		o.Logger.Warn("closing database", zap.Error(closeErr))
	}
	return err
}

func (o *Operator) serve(ctx context.Context, group *errgroup.Group, name, addr string, handler http.Handler) {
	server := &http.Server{Addr: addr, Handler: handler}
	group.Go(func() error {
		o.Logger.Info("listening", zap.String("server", name), zap.String("addr", addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server, %w", name, err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			o.Logger.Warn("draining server", zap.String("server", name), zap.Error(err))
		}
		return nil
	})
}
