// Copyright 2025-2026 The jobrelay Authors
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

	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/spryce/jobrelay/apis"
	"github.com/spryce/jobrelay/broker"
	"github.com/spryce/jobrelay/common"
	"github.com/spryce/jobrelay/core"
	"github.com/spryce/jobrelay/publisher"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunPublisherServer run the status publisher server
func RunPublisherServer(
	config common.PublisherServerConfig,
	instance string,
	natsClient *core.NatsClient,
	runtimeContext context.Context,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "publisher",
		"instance":  instance,
	}

	store, err := publisher.GetSqliteStatusStore(config.DatabasePath)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to open status store at %s", config.DatabasePath,
		)
		return err
	}

	queue, err := broker.GetJetStreamBroker(natsClient, broker.JetStreamBrokerParams{
		Stream:            config.Broker.Stream,
		Topic:             config.Broker.Topic,
		Queue:             config.Broker.Queue,
		MaxReceive:        config.Broker.MaxReceive,
		VisibilityTimeout: time.Second * time.Duration(config.Broker.VisibilityTimeout),
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define JetStream broker")
		return err
	}

	relay, err := publisher.GetOutboxRelay(runtimeContext, publisher.OutboxRelayParams{
		Store:             store,
		Queue:             queue,
		Topic:             config.Broker.Topic,
		RelayInterval:     time.Second * time.Duration(config.RelayInterval),
		RelayBatchSize:    config.RelayBatchSize,
		ReconcileSchedule: config.ReconcileSchedule,
		ReconcileAfter:    time.Second * time.Duration(config.ReconcileAfter),
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define outbox relay")
		return err
	}
	if err := relay.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start outbox relay")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	httpHandler, err := apis.GetAPIRestStatusPublisherHandler(
		store, config.HTTPSetting.Logging.RequestIDHeader,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Endpoints.PathPrefix, nil)

	jobAPIRouter := apis.RegisterPathPrefix(mainRouter, "/v1/job/{jobID}", nil)
	_ = apis.RegisterPathPrefix(jobAPIRouter, "/status", map[string]http.HandlerFunc{
		"post": httpHandler.UpdateJobStatusHandler(),
		"get":  httpHandler.GetJobStatusHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

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
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started publisher HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runtimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	// Stop the relay and stores
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := relay.Stop(); err != nil {
			log.WithError(err).Error("Failure during relay shutdown")
		}
		if err := queue.Close(ctx); err != nil {
			log.WithError(err).Error("Failure during broker shutdown")
		}
		if err := store.Close(); err != nil {
			log.WithError(err).Error("Failure during status store shutdown")
		}
	}

	return nil
}
