package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spryce/jobrelay/event"
	"github.com/stretchr/testify/assert"
)

// testConn scripted in-process Conn for session tests
type testConn struct {
	inbound  chan []byte
	outbound chan []byte
	closed   chan struct{}
	once     sync.Once
}

func newTestConn() *testConn {
	return &testConn{
		inbound:  make(chan []byte, 16),
		outbound: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (c *testConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.inbound:
		return websocket.TextMessage, msg, nil
	case <-c.closed:
		return 0, nil, fmt.Errorf("connection closed")
	}
}

func (c *testConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return fmt.Errorf("connection closed")
	default:
	}
	if messageType != websocket.TextMessage {
		return nil
	}
	held := make([]byte, len(data))
	copy(held, data)
	select {
	case c.outbound <- held:
		return nil
	case <-time.After(time.Second):
		return fmt.Errorf("outbound channel full")
	}
}

func (c *testConn) SetReadLimit(limit int64)            {}
func (c *testConn) SetReadDeadline(t time.Time) error   { return nil }
func (c *testConn) SetWriteDeadline(t time.Time) error  { return nil }
func (c *testConn) SetPongHandler(h func(string) error) {}

func (c *testConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
	})
	return nil
}

func defineTestSession(
	t *testing.T, conn *testConn, onActivity, onClosed func(string),
) *Session {
	assert := assert.New(t)
	session, err := GetSession(SessionParams{
		SessionID:         uuid.New().String(),
		SubjectID:         uuid.New().String(),
		Connection:        conn,
		MaxInboundMsgSize: 4096,
		WriteTimeout:      time.Second,
		PongTimeout:       time.Second * 10,
		SendBuffer:        4,
		OnActivity:        onActivity,
		OnClosed:          onClosed,
	})
	assert.Nil(err)
	return session
}

func TestSessionPushDeliversNotification(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	conn := newTestConn()
	uut := defineTestSession(t, conn, nil, nil)
	assert.Equal(SessionAuthenticated, uut.State())
	uut.Start(&wg)
	assert.Equal(SessionActive, uut.State())
	defer func() {
		assert.Nil(uut.Close())
	}()

	resultURL := "https://cdn.example.com/" + uuid.New().String()
	notification := event.Notification{
		JobID:     uuid.New().String(),
		Status:    event.StatusComplete,
		ResultURL: &resultURL,
		Model:     "sd-xl-1.0",
		CreatedAt: time.Now().Add(-time.Minute),
		UpdatedAt: time.Now(),
	}
	assert.Nil(uut.Push(utCtxt, notification))

	// The write pump serializes the stable wire shape
	select {
	case written := <-conn.outbound:
		var decoded map[string]interface{}
		assert.Nil(json.Unmarshal(written, &decoded))
		assert.Equal(notification.JobID, decoded["jobId"])
		assert.Equal("COMPLETE", decoded["status"])
		assert.Equal(resultURL, decoded["resultUrl"])
		assert.Equal("sd-xl-1.0", decoded["model"])
	case <-time.After(time.Second):
		assert.Fail("write pump never wrote the notification")
	}
}

func TestSessionHeartbeatControlMessage(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()

	activity := make(chan string, 4)
	conn := newTestConn()
	uut := defineTestSession(t, conn, func(sessionID string) {
		activity <- sessionID
	}, nil)
	uut.Start(&wg)
	defer func() {
		assert.Nil(uut.Close())
	}()

	conn.inbound <- []byte(`{"action":"heartbeat"}`)
	select {
	case <-activity:
	case <-time.After(time.Second):
		assert.Fail("heartbeat never reached the activity callback")
	}

	// Subscribing to the session's own subject counts as activity
	conn.inbound <- []byte(
		fmt.Sprintf(`{"action":"subscribe","subject":"%s"}`, uut.params.SubjectID),
	)
	select {
	case <-activity:
	case <-time.After(time.Second):
		assert.Fail("subscribe never reached the activity callback")
	}

	// Subscribing to a foreign subject is refused without teardown
	conn.inbound <- []byte(`{"action":"subscribe","subject":"someone-else"}`)

	// Malformed and unknown control messages are discarded without teardown
	conn.inbound <- []byte(`{{{{`)
	conn.inbound <- []byte(`{"action":"subscribe-everything"}`)
	time.Sleep(time.Millisecond * 50)
	assert.Equal(SessionActive, uut.State())
}

func TestSessionCloseLifecycle(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	closed := make(chan string, 1)
	conn := newTestConn()
	uut := defineTestSession(t, conn, nil, func(sessionID string) {
		closed <- sessionID
	})
	uut.Start(&wg)

	assert.Nil(uut.Close())
	assert.Equal(SessionClosed, uut.State())
	select {
	case <-closed:
	case <-time.After(time.Second):
		assert.Fail("close callback never fired")
	}

	// Close is idempotent, push after close fails
	assert.Nil(uut.Close())
	err := uut.Push(utCtxt, event.Notification{JobID: uuid.New().String()})
	assert.NotNil(err)
}

func TestSessionReadFailureTearsDown(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()

	closed := make(chan string, 1)
	conn := newTestConn()
	uut := defineTestSession(t, conn, nil, func(sessionID string) {
		closed <- sessionID
	})
	uut.Start(&wg)

	// Killing the transport ends the read pump, which closes the session
	_ = conn.Close()
	select {
	case <-closed:
	case <-time.After(time.Second):
		assert.Fail("read failure never closed the session")
	}
	assert.Equal(SessionClosed, uut.State())
}
