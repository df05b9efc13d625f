package web

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/taskwatch/app/event"
	"github.com/umputun/taskwatch/app/tracker"
)

func TestEventsStream(t *testing.T) {
	tr := tracker.New(tracker.WithLogger(lgr.NoOp))
	srv, err := New(Config{Tracker: tr, PingInterval: 50 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := srv.start(ctx)
	defer stop()

	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/v1/events", nil) //nolint:bodyclose // closed by dialer
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return srv.Clients() == 1 }, time.Second, 5*time.Millisecond)

	id := tr.Create("Build")
	tr.ApplyBatch([][]byte{
		event.Encode(event.Event{Ref: uint32(id), Payload: &event.LogMessage{Message: "x"}}),          //nolint:gosec // small ids
		event.Encode(event.Event{Ref: uint32(id), Payload: &event.ProgressUpdate{Progress: 0.3}}),     //nolint:gosec // small ids
		event.Encode(event.Event{Ref: uint32(id), Payload: &event.Result{Success: true}}),             //nolint:gosec // small ids
	})
	tr.Remove(id)

	var got []APIChange
	for range 5 {
		var msg APIChange
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, conn.ReadJSON(&msg))
		got = append(got, msg)
	}
	assert.Equal(t, []APIChange{
		{ID: 1, Kind: "new"},
		{ID: 1, Kind: "log"},
		{ID: 1, Kind: "progress"},
		{ID: 1, Kind: "result"},
		{ID: 1, Kind: "removed"},
	}, got)

	// shutdown closes the stream
	cancel()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Eventually(t, func() bool { return srv.Clients() == 0 }, time.Second, 5*time.Millisecond)
}

func TestEventsStream_ClientDisconnect(t *testing.T) {
	tr := tracker.New(tracker.WithLogger(lgr.NoOp))
	srv, err := New(Config{Tracker: tr})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer srv.start(ctx)()

	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/v1/events", nil) //nolint:bodyclose // closed by dialer
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.Clients() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return srv.Clients() == 0 }, time.Second, 5*time.Millisecond)

	tr.Create("after disconnect") // broadcast to nobody must not block
	assert.Equal(t, 1, tr.Len())
}

func TestOnChange_DropsWhenFull(t *testing.T) {
	srv, err := New(Config{Tracker: tracker.New(tracker.WithLogger(lgr.NoOp))})
	require.NoError(t, err)
	for i := range cap(srv.eventChan) + 10 {
		srv.onChange(tracker.Change{ID: i, Kind: tracker.ChangeLog})
	}
	assert.Len(t, srv.eventChan, cap(srv.eventChan))
}

func TestServer_Run(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	srv, err := New(Config{Tracker: tracker.New(tracker.WithLogger(lgr.NoOp)), Version: "test"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx, addr) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/ping")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server not stopped")
	}
}
