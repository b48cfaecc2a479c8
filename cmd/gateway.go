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
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/spryce/jobrelay/apis"
	"github.com/spryce/jobrelay/broker"
	"github.com/spryce/jobrelay/common"
	"github.com/spryce/jobrelay/consumer"
	"github.com/spryce/jobrelay/core"
	"github.com/spryce/jobrelay/dedup"
	"github.com/spryce/jobrelay/dispatch"
	"github.com/spryce/jobrelay/gateway"
	"github.com/spryce/jobrelay/metrics"
	"github.com/spryce/jobrelay/registry"
	"github.com/urfave/cli/v2"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// GatewayCLIArgs arguments for the session gateway server
type GatewayCLIArgs struct {
	// SessionTokensFile JSON file mapping session credentials to subject IDs
	SessionTokensFile string `validate:"required,file"`
}

// GetGatewayCLIFlags retreive the set of CMD flags for the gateway server
func GetGatewayCLIFlags(args *GatewayCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "session-tokens-file",
			Usage:       "JSON file mapping session credentials to subject IDs",
			Aliases:     []string{"stf"},
			EnvVars:     []string{"SESSION_TOKENS_FILE"},
			Destination: &args.SessionTokensFile,
			Required:    true,
		},
	}
}

// loadSessionTokens parse the credential-to-subject map from file
func loadSessionTokens(path string) (map[string]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	tokens := map[string]string{}
	if err := json.Unmarshal(content, &tokens); err != nil {
		return nil, err
	}
	return tokens, nil
}

// RunGatewayServer run the session gateway server
func RunGatewayServer(
	params GatewayCLIArgs,
	config common.GatewayServerConfig,
	instance string,
	natsClient *core.NatsClient,
	runtimeContext context.Context,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "gateway",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return err
	}

	tokens, err := loadSessionTokens(params.SessionTokensFile)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to read session tokens from %s", params.SessionTokensFile,
		)
		return err
	}
	authenticator := gateway.GetStaticTokenAuthenticator(tokens)

	report := metrics.GetDeliveryMetrics()

	// -------------------------------------------------------------------
	// Delivery pipeline components

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

	var deliveries dedup.DeliveryStore
	switch config.Dedup.Backend {
	case "sqlite":
		deliveries, err = dedup.GetSqliteDeliveryStore(
			config.Dedup.Path, time.Second*time.Duration(config.Dedup.Retention),
		)
	default:
		deliveries, err = dedup.GetInMemoryDeliveryStore(
			runtimeContext,
			config.Dedup.Shards,
			time.Second*time.Duration(config.Dedup.Retention),
			time.Second*time.Duration(config.Dedup.SweepInterval),
			wg,
		)
	}
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define delivery store")
		return err
	}

	connections, err := registry.GetConnectionRegistry(
		runtimeContext, registry.ConnectionRegistryParams{
			Shards:           config.Registry.Shards,
			HeartbeatTimeout: time.Second * time.Duration(config.Registry.HeartbeatTimeout),
			SweepInterval:    time.Second * time.Duration(config.Registry.SweepInterval),
		}, report, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection registry")
		return err
	}

	buffer, err := dispatch.GetOfflineBuffer(
		runtimeContext, dispatch.OfflineBufferParams{
			MaxPerSubject: config.Buffer.MaxPerSubject,
			TTL:           time.Second * time.Duration(config.Buffer.TTL),
			SweepInterval: time.Second * time.Duration(config.Buffer.SweepInterval),
			TaskBuffer:    64,
		}, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define offline buffer")
		return err
	}

	dispatcher, err := dispatch.GetNotificationDispatcher(connections, buffer, report)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define dispatcher")
		return err
	}

	queueConsumer, err := consumer.GetQueueConsumer(runtimeContext, consumer.QueueConsumerParams{
		Queue:             queue,
		Deliveries:        deliveries,
		Dispatcher:        dispatcher,
		Workers:           config.Consumer.Workers,
		BatchSize:         config.Consumer.BatchSize,
		VisibilityTimeout: time.Second * time.Duration(config.Broker.VisibilityTimeout),
		DispatchTimeout:   time.Second * time.Duration(config.Consumer.DispatchTimeout),
		ShutdownGrace:     time.Second * time.Duration(config.Consumer.ShutdownGrace),
		Report:            report,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define queue consumer")
		return err
	}
	if err := queueConsumer.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start queue consumer")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	httpHandler, err := apis.GetAPIRestSessionGatewayHandler(
		authenticator,
		connections,
		dispatcher,
		config.Session,
		config.HTTPSetting.Logging.RequestIDHeader,
		report,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Endpoints.PathPrefix, nil)

	_ = apis.RegisterPathPrefix(mainRouter, "/v1/session", map[string]http.HandlerFunc{
		"get": httpHandler.OpenSessionHandler(),
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

	log.WithFields(logTags).Infof("Started gateway HTTP server on http://%s", serverListen)

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

	// Stop the delivery pipeline
	{
		ctx, cancel := context.WithTimeout(
			context.Background(),
			time.Second*time.Duration(config.Consumer.ShutdownGrace)+time.Second,
		)
		defer cancel()
		if err := queueConsumer.Stop(ctx); err != nil {
			log.WithError(err).Error("Failure during consumer shutdown")
		}
		if err := connections.Drain(ctx); err != nil {
			log.WithError(err).Error("Failure during registry drain")
		}
		if err := connections.Stop(); err != nil {
			log.WithError(err).Error("Failure during registry shutdown")
		}
		if err := queue.Close(ctx); err != nil {
			log.WithError(err).Error("Failure during broker shutdown")
		}
		if err := deliveries.Close(); err != nil {
			log.WithError(err).Error("Failure during delivery store shutdown")
		}
	}

	return nil
}
