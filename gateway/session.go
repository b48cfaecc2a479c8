package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/spryce/jobrelay/common"
	"github.com/spryce/jobrelay/event"
)

// SessionState lifecycle state of one client session
type SessionState int

const (
	// SessionConnecting transport established, not yet authenticated
	SessionConnecting SessionState = iota
	// SessionAuthenticated credential accepted, not yet registered
	SessionAuthenticated
	// SessionActive registered and receiving notifications
	SessionActive
	// SessionClosed connection torn down
	SessionClosed
)

// String toString function
func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "CONNECTING"
	case SessionAuthenticated:
		return "AUTHENTICATED"
	case SessionActive:
		return "ACTIVE"
	case SessionClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// Conn the subset of *websocket.Conn the session uses. Tests substitute
// an in-process implementation.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// controlMessage inbound JSON envelope from the client. Supported actions
// are an application-level heartbeat and a subject subscribe request.
type controlMessage struct {
	Action  string `json:"action"`
	Subject string `json:"subject,omitempty"`
}

// SessionParams parameters for defining a Session
type SessionParams struct {
	// SessionID unique ID of this connection instance
	SessionID string
	// SubjectID the authenticated subject the session belongs to
	SubjectID string
	// Connection the underlying websocket connection
	Connection Conn
	// MaxInboundMsgSize max inbound control message size in bytes
	MaxInboundMsgSize int64
	// WriteTimeout max duration of one outbound write
	WriteTimeout time.Duration
	// PongTimeout max duration to wait for a pong reply
	PongTimeout time.Duration
	// SendBuffer outbound message buffer depth
	SendBuffer int
	// OnActivity called on pong or heartbeat, feeds the registry Touch
	OnActivity func(sessionID string)
	// OnClosed called exactly once after the session fully stops
	OnClosed func(sessionID string)
}

// Session one live client connection. Implements registry.SessionHandle;
// the read and write pumps own the connection, Push only enqueues.
type Session struct {
	common.Component
	params    SessionParams
	send      chan event.Notification
	state     SessionState
	stateLock sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

// GetSession define a new Session in the Authenticated state. The caller
// registers it, then calls Start to launch the pumps.
func GetSession(params SessionParams) (*Session, error) {
	if params.Connection == nil {
		return nil, fmt.Errorf("session %s defined without a connection", params.SessionID)
	}
	logTags := log.Fields{
		"module":    "gateway",
		"component": "session",
		"session":   params.SessionID,
		"subject":   params.SubjectID,
	}
	return &Session{
		Component: common.Component{LogTags: logTags},
		params:    params,
		send:      make(chan event.Notification, params.SendBuffer),
		state:     SessionAuthenticated,
		closed:    make(chan struct{}),
	}, nil
}

// State current lifecycle state
func (s *Session) State() SessionState {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.state
}

func (s *Session) setState(newState SessionState) {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	s.state = newState
}

// Start launch the read and write pumps
func (s *Session) Start(wg *sync.WaitGroup) {
	s.setState(SessionActive)
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.readPump()
	}()
	go func() {
		defer wg.Done()
		s.writePump()
	}()
	log.WithFields(s.LogTags).Info("Session active")
}

// Push enqueue one notification for the write pump. A full send buffer is
// a push failure; the session is a slow consumer and the caller decides
// whether to drop or tear down.
func (s *Session) Push(ctxt context.Context, notification event.Notification) error {
	if s.State() != SessionActive {
		return &common.SessionPushError{
			SessionID: s.params.SessionID,
			Err:       fmt.Errorf("session state is %s", s.State()),
		}
	}
	select {
	case s.send <- notification:
		return nil
	case <-s.closed:
		return &common.SessionPushError{
			SessionID: s.params.SessionID,
			Err:       fmt.Errorf("session closed"),
		}
	case <-ctxt.Done():
		return &common.SessionPushError{
			SessionID: s.params.SessionID,
			Err:       fmt.Errorf("send buffer full: %w", ctxt.Err()),
		}
	}
}

// Close tear the session down. Safe to call from any goroutine and more
// than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.setState(SessionClosed)
		close(s.closed)
		_ = s.params.Connection.WriteMessage(websocket.CloseMessage, []byte{})
		_ = s.params.Connection.Close()
		if s.params.OnClosed != nil {
			s.params.OnClosed(s.params.SessionID)
		}
		log.WithFields(s.LogTags).Info("Session closed")
	})
	return nil
}

// readPump consume inbound frames. Exists mainly to service pong replies
// and heartbeat control messages; any read error ends the session.
func (s *Session) readPump() {
	defer func() {
		_ = s.Close()
	}()

	s.params.Connection.SetReadLimit(s.params.MaxInboundMsgSize)
	_ = s.params.Connection.SetReadDeadline(time.Now().Add(s.params.PongTimeout))
	s.params.Connection.SetPongHandler(func(string) error {
		_ = s.params.Connection.SetReadDeadline(time.Now().Add(s.params.PongTimeout))
		if s.params.OnActivity != nil {
			s.params.OnActivity(s.params.SessionID)
		}
		return nil
	})

	for {
		_, msg, err := s.params.Connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseNormalClosure,
			) {
				log.WithError(err).WithFields(s.LogTags).Warn("Read pump failed")
			}
			return
		}
		var control controlMessage
		if err := json.Unmarshal(msg, &control); err != nil {
			log.WithError(err).WithFields(s.LogTags).Warn("Discarding malformed control message")
			continue
		}
		switch control.Action {
		case "heartbeat":
			_ = s.params.Connection.SetReadDeadline(time.Now().Add(s.params.PongTimeout))
			if s.params.OnActivity != nil {
				s.params.OnActivity(s.params.SessionID)
			}
		case "subscribe":
			// Routing to the authenticated subject is established at
			// registration; a subscribe for any other subject is refused
			if control.Subject != "" && control.Subject != s.params.SubjectID {
				log.WithFields(s.LogTags).Warnf(
					"Refused subscribe to foreign subject '%s'", control.Subject,
				)
				continue
			}
			if s.params.OnActivity != nil {
				s.params.OnActivity(s.params.SessionID)
			}
		default:
			log.WithFields(s.LogTags).Warnf("Unknown control action '%s'", control.Action)
		}
	}
}

// writePump drain the send channel onto the connection and keep the
// transport alive with pings.
func (s *Session) writePump() {
	pingPeriod := s.params.PongTimeout * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.Close()
	}()

	for {
		select {
		case <-s.closed:
			return
		case notification := <-s.send:
			serialized, err := json.Marshal(&notification)
			if err != nil {
				log.WithError(err).WithFields(s.LogTags).Errorf(
					"Failed to serialize notification for job %s", notification.JobID,
				)
				continue
			}
			_ = s.params.Connection.SetWriteDeadline(time.Now().Add(s.params.WriteTimeout))
			if err := s.params.Connection.WriteMessage(websocket.TextMessage, serialized); err != nil {
				log.WithError(err).WithFields(s.LogTags).Warn("Write pump failed")
				return
			}
		case <-ticker.C:
			_ = s.params.Connection.SetWriteDeadline(time.Now().Add(s.params.WriteTimeout))
			if err := s.params.Connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
