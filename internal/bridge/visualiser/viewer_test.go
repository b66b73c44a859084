package visualiser

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/cloudbridge/internal/bridge/frame"
	"github.com/banshee-data/cloudbridge/internal/bridge/handoff"
	"github.com/banshee-data/cloudbridge/internal/bridge/render"
)

func dialViewer(t *testing.T, v *Viewer) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(v)
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return v.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)
	return conn
}

func readBundle(t *testing.T, conn *websocket.Conn) viewerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg viewerMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestViewer_BroadcastsChangedFrames(t *testing.T) {
	slot := handoff.NewLatestSlot[*frame.ProcessedFrame]()
	v := NewViewer(ViewerConfig{MaxPoints: 8}, render.NewAdapter(slot, render.Options{}))
	conn := dialViewer(t, v)

	assert.False(t, v.Tick(), "nothing to draw yet")

	require.True(t, slot.Offer(processed("lidar-0", 1, 64)))
	require.True(t, v.Tick())
	msg := readBundle(t, conn)
	assert.Equal(t, "frame", msg.Type)
	require.NotNil(t, msg.Bundle)
	assert.Equal(t, uint64(1), msg.Bundle.Sequence)
	assert.Equal(t, 8, msg.Bundle.Points.Len())
	assert.Equal(t, 64, msg.Bundle.Points.Total)

	assert.False(t, v.Tick(), "unchanged snapshot is not resent")
	assert.Equal(t, uint64(1), v.Sent())
}

func TestViewer_SnapshotRequest(t *testing.T) {
	slot := handoff.NewLatestSlot[*frame.ProcessedFrame]()
	v := NewViewer(ViewerConfig{}, render.NewAdapter(slot, render.Options{}))
	require.True(t, slot.Offer(processed("lidar-0", 3, 4)))
	require.True(t, v.Tick())

	conn := dialViewer(t, v)
	// Connecting delivers the current frame.
	assert.Equal(t, uint64(3), readBundle(t, conn).Bundle.Sequence)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"snapshot_request"}`)))
	assert.Equal(t, uint64(3), readBundle(t, conn).Bundle.Sequence)
}

func TestViewer_DisconnectRemovesClient(t *testing.T) {
	v := NewViewer(ViewerConfig{}, render.NewAdapter(handoff.NewLatestSlot[*frame.ProcessedFrame](), render.Options{}))
	conn := dialViewer(t, v)
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return v.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
}
