package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanpipe/scanpipe/internal/infrastructure/config"
	"github.com/scanpipe/scanpipe/internal/session"
)

type wsMessage struct {
	Type     string `json:"type"`
	Replay   bool   `json:"replay"`
	Data     string `json:"data"`
	OK       bool   `json:"ok"`
	ExitCode int    `json:"exit_code"`
}

func newStreamServer(t *testing.T) (*session.Manager, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.ReleaseMode)

	mgr := session.NewManager(session.Options{
		Scanner: config.ScannerConfig{Command: "/bin/sh"},
	})
	router := gin.New()
	router.GET("/stream", NewHandler(mgr, nil).HandleConnection)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return mgr, srv
}

func dial(t *testing.T, srv *httptest.Server, sid string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream?session=" + sid
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	return conn
}

func TestStreamUnknownSession(t *testing.T) {
	_, srv := newStreamServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream?session=sess_missing"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	assert.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamDeliversLinesAndResult(t *testing.T) {
	mgr, srv := newStreamServer(t)

	s, err := mgr.Start(context.Background(), session.StartRequest{
		ExtraArgs: []string{"-c", "sleep 0.2; printf 'scan ok\\n'"},
	})
	require.NoError(t, err)

	conn := dial(t, srv, s.ID.String())

	var got []wsMessage
	for {
		var msg wsMessage
		require.NoError(t, conn.ReadJSON(&msg))
		got = append(got, msg)
		if msg.Type == "result" {
			break
		}
	}

	last := got[len(got)-1]
	assert.True(t, last.OK)

	var lines []string
	for _, m := range got[:len(got)-1] {
		require.Equal(t, "line", m.Type)
		lines = append(lines, m.Data)
	}
	assert.Contains(t, lines, "scan ok")
}

func TestStreamReplaysFinishedSession(t *testing.T) {
	mgr, srv := newStreamServer(t)

	s, err := mgr.Start(context.Background(), session.StartRequest{
		ExtraArgs: []string{"-c", "printf 'old line\\n'"},
	})
	require.NoError(t, err)
	select {
	case <-s.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("session did not finish")
	}

	conn := dial(t, srv, s.ID.String())

	var first, second wsMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "line", first.Type)
	assert.True(t, first.Replay)
	assert.Equal(t, "old line", first.Data)

	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, "result", second.Type)
	assert.True(t, second.OK)
}
