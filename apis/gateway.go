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

package apis

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spryce/jobrelay/common"
	"github.com/spryce/jobrelay/dispatch"
	"github.com/spryce/jobrelay/gateway"
	"github.com/spryce/jobrelay/metrics"
	"github.com/spryce/jobrelay/registry"
)

// APIRestSessionGatewayHandler REST handler for the session gateway. Owns
// the websocket upgrade endpoint; everything after the upgrade belongs to
// the session and the registry.
type APIRestSessionGatewayHandler struct {
	APIRestHandler
	authenticator gateway.Authenticator
	connections   registry.ConnectionRegistry
	dispatcher    dispatch.NotificationDispatcher
	sessionConfig common.SessionConfig
	upgrader      websocket.Upgrader
	report        *metrics.DeliveryMetrics
	wg            *sync.WaitGroup
}

// GetAPIRestSessionGatewayHandler define a new APIRestSessionGatewayHandler
func GetAPIRestSessionGatewayHandler(
	authenticator gateway.Authenticator,
	connections registry.ConnectionRegistry,
	dispatcher dispatch.NotificationDispatcher,
	sessionConfig common.SessionConfig,
	requestIDHeader string,
	report *metrics.DeliveryMetrics,
	wg *sync.WaitGroup,
) (APIRestSessionGatewayHandler, error) {
	logTags := log.Fields{
		"module": "rest", "component": "api-session-gateway",
	}
	return APIRestSessionGatewayHandler{
		APIRestHandler: APIRestHandler{
			Component:       common.Component{LogTags: logTags},
			requestIDHeader: requestIDHeader,
		},
		authenticator: authenticator,
		connections:   connections,
		dispatcher:    dispatcher,
		sessionConfig: sessionConfig,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		report: report,
		wg:     wg,
	}, nil
}

// sessionCredential pull the session credential off the request. Browser
// websocket clients cannot set arbitrary headers, so a query parameter is
// accepted as well.
func sessionCredential(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// OpenSession open a new notification session over websocket
func (h APIRestSessionGatewayHandler) OpenSession(w http.ResponseWriter, r *http.Request) {
	restCall := "GET /v1/session"
	localLogTags, _ := common.UpdateLogTags(r.Context(), h.LogTags)

	subjectID, err := h.authenticator.Authenticate(r.Context(), sessionCredential(r))
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Warn("Session credential rejected")
		msg := "credential rejected"
		h.reply(w, http.StatusUnauthorized, getStdRESTErrorMsg(
			http.StatusUnauthorized, &msg,
		), restCall)
		return
	}

	// The upgrader writes its own error response on failure
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}

	sessionID := uuid.New().String()
	session, err := gateway.GetSession(gateway.SessionParams{
		SessionID:         sessionID,
		SubjectID:         subjectID,
		Connection:        conn,
		MaxInboundMsgSize: h.sessionConfig.MaxInboundMsgSize,
		WriteTimeout:      time.Second * time.Duration(h.sessionConfig.WriteTimeout),
		PongTimeout:       time.Second * time.Duration(h.sessionConfig.PongTimeout),
		SendBuffer:        h.sessionConfig.SendBuffer,
		// The request context dies when this handler returns; the
		// callbacks outlive it
		OnActivity: func(id string) {
			_ = h.connections.Touch(context.Background(), id)
		},
		OnClosed: func(id string) {
			_ = h.connections.Deregister(context.Background(), id)
		},
	})
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to define session")
		_ = conn.Close()
		return
	}

	registered, err := h.connections.Register(r.Context(), subjectID, sessionID, session)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to register session %s of %s", sessionID, subjectID,
		)
		_ = conn.Close()
		return
	}
	session.Start(h.wg)

	// Replay anything buffered while the subject had no live session
	if offered, err := h.dispatcher.OfferBuffered(r.Context(), registered); err != nil {
		log.WithError(err).WithFields(localLogTags).Warnf(
			"Buffered catch-up incomplete for session %s after %d events", sessionID, offered,
		)
	}
}

// OpenSessionHandler Wrapper around OpenSession
func (h APIRestSessionGatewayHandler) OpenSessionHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.OpenSession(w, r)
	})
}

// -----------------------------------------------------------------------

// Alive liveness check
func (h APIRestSessionGatewayHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), "GET /alive")
}

// AliveHandler Wrapper around Alive
func (h APIRestSessionGatewayHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready readiness check. The gateway is ready once its registry sweep and
// consumer workers are running, which holds whenever this handler is wired.
func (h APIRestSessionGatewayHandler) Ready(w http.ResponseWriter, r *http.Request) {
	h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), "GET /ready")
}

// ReadyHandler Wrapper around Ready
func (h APIRestSessionGatewayHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
