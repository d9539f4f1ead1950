package streaming

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/foldrun/internal/common/logger"
	"github.com/kandev/foldrun/internal/events"
	"github.com/kandev/foldrun/internal/events/bus"
	"github.com/kandev/foldrun/internal/orchestrator/transcript"
	v1 "github.com/kandev/foldrun/pkg/api/v1"
)

type fixture struct {
	hub         *Hub
	bus         *bus.MemoryEventBus
	transcripts *transcript.Handler
	url         string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.NewNop()
	b := bus.NewMemoryEventBus(log)
	tr := transcript.NewHandler(transcript.NewMemoryStore(100, 10), log)
	require.NoError(t, tr.Attach(b))
	hub := NewHub(b, tr, log)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		_ = tr.Close()
		b.Close()
	})
	return &fixture{hub: hub, bus: b, transcripts: tr, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (f *fixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.url+"/?"+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *fixture) publish(t *testing.T, eventType string, p events.RunPayload) {
	t.Helper()
	e, err := events.NewRunEvent(eventType, p)
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(context.Background(), events.Subject(eventType, p.Folder), e))
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m Message
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func TestFolderRelay(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "folder=main")
	require.Eventually(t, func() bool { return f.hub.FolderSubscribers("main") == 1 }, 2*time.Second, 10*time.Millisecond)

	f.publish(t, events.RunFrame, events.RunPayload{SubmissionID: "other", Folder: "team", Seq: 1, Frame: &v1.StreamFrame{Status: v1.FrameStatusStream}})
	f.publish(t, events.RunStarted, events.RunPayload{SubmissionID: "s1", RunID: "r1", Folder: "main", State: v1.SubmissionRunning})
	f.publish(t, events.RunFrame, events.RunPayload{SubmissionID: "s1", RunID: "r1", Folder: "main", Seq: 1, Frame: &v1.StreamFrame{Status: v1.FrameStatusStream, NewSessionID: "sess"}})

	m := read(t, conn)
	assert.Equal(t, events.RunStarted, m.Type)
	assert.Equal(t, "r1", m.RunID)

	m = read(t, conn)
	assert.Equal(t, events.RunFrame, m.Type)
	assert.Equal(t, "main", m.Folder)
	require.NotNil(t, m.Frame)
	assert.Equal(t, "sess", m.Frame.NewSessionID)
}

func TestRunReplayThenLive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 1; i <= 2; i++ {
		require.NoError(t, f.transcripts.Process(ctx, &transcript.Entry{SubmissionID: "s1", Folder: "main", Seq: i, Frame: v1.StreamFrame{Status: v1.FrameStatusStream}}))
	}

	conn := f.dial(t, "run=s1")
	assert.Equal(t, 1, read(t, conn).Seq)
	assert.Equal(t, 2, read(t, conn).Seq)

	f.publish(t, events.RunFrame, events.RunPayload{SubmissionID: "s1", Folder: "main", Seq: 3, Frame: &v1.StreamFrame{Status: v1.FrameStatusSuccess}})
	assert.Equal(t, 3, read(t, conn).Seq)

	f.publish(t, events.RunCompleted, events.RunPayload{SubmissionID: "s1", Folder: "main", Result: v1.SuccessResult("sess")})
	m := read(t, conn)
	assert.Equal(t, events.RunCompleted, m.Type)
	require.NotNil(t, m.Result)
	assert.True(t, m.Result.Succeeded())
	assert.Equal(t, "sess", m.Result.NewSessionID)
}

func TestSubscribeMessages(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "")
	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(SubscriptionMessage{Action: "subscribe", Folders: []string{"../etc", "team"}}))
	require.Eventually(t, func() bool { return f.hub.FolderSubscribers("team") == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.hub.FolderSubscribers("../etc"))

	require.NoError(t, conn.WriteJSON(SubscriptionMessage{Action: "unsubscribe", Folders: []string{"team"}}))
	require.Eventually(t, func() bool { return f.hub.FolderSubscribers("team") == 0 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return f.hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
