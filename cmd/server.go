// Copyright 2026 The multiview Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/multiview/apis"
	"github.com/alwitt/multiview/common"
	"github.com/alwitt/multiview/core"
	"github.com/alwitt/multiview/dataplane"
	"github.com/alwitt/multiview/subscription"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunServer run the subscription manager service until the runtime context is done
func RunServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "server",
		"instance":  instance,
	}

	promRegistry := prometheus.NewRegistry()
	if err := promRegistry.Register(collectors.NewGoCollector()); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to register Go metrics")
		return err
	}
	if err := promRegistry.Register(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to register process metrics")
		return err
	}
	metrics, err := subscription.NewMetrics(promRegistry)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define call session metrics")
		return err
	}

	resolution, err := subscription.ParseResolution(config.Session.DefaultResolution)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid default resolution")
		return err
	}

	prefix := config.Session.SubjectPrefix
	keepAliveTimeout := time.Second * time.Duration(config.Session.KeepAliveTimeout)
	registry := subscription.NewSessionRegistry(
		subscription.RegistryParams{
			QueueDepth:        config.Session.EventQueueDepth,
			SubmitTimeout:     time.Second * time.Duration(config.Session.EventSubmitTimeout),
			HeartbeatInterval: time.Second * time.Duration(config.Session.HeartbeatInterval),
			DefaultResolution: resolution,
		},
		func(callID string) (subscription.MediaRouter, error) {
			return dataplane.GetNatsMediaRouter(natsClient, prefix, callID)
		},
		func(callID string) subscription.KeepAliveFunc {
			return dataplane.GetNatsKeepAlive(natsClient, prefix, callID, keepAliveTimeout)
		},
		metrics,
	)

	wg := sync.WaitGroup{}
	listener, err := dataplane.GetCallEventListener(runTimeContext, natsClient, registry, prefix)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define call event listener")
		return err
	}
	if err := listener.StartReading(&wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start call event listener")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	var httpSrv *http.Server
	if config.Diagnostics != nil {
		httpSrv, err = startDiagnosticsServer(
			config.Diagnostics, registry, natsClient, promRegistry, logTags,
		)
		if err != nil {
			return err
		}
	}

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	if httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	wg.Wait()
	registry.CloseAll()
	return nil
}

func startDiagnosticsServer(
	config *common.DiagnosticsServerConfig,
	registry *subscription.SessionRegistry,
	natsClient *core.NatsClient,
	promRegistry *prometheus.Registry,
	logTags log.Fields,
) (*http.Server, error) {
	httpHandler, err := apis.GetAPIRestDiagnosticsHandler(
		registry, &config.HTTPSetting, natsClient.Connected,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return nil, err
	}

	router := apis.BuildDiagnosticsRouter(
		httpHandler,
		config.Endpoints,
		promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
	)

	serverListen := fmt.Sprintf(
		"%s:%d", config.HTTPSetting.Server.ListenOn, config.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(config.HTTPSetting.Server.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(config.HTTPSetting.Server.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(config.HTTPSetting.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)
	return httpSrv, nil
}
