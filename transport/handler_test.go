package transport

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Polqt/collabd/docservice"
	"github.com/Polqt/collabd/server"
)

func newTestServer(t *testing.T) (*httptest.Server, *docservice.Service) {
	cfg := server.DefaultConfig()
	log := server.ConfigureLogging("error")
	log.SetOutput(io.Discard)

	ctx, err := server.New(cfg, log)
	require.NoError(t, err)

	h := NewHandler(ctx)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, ctx.Docs
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return ws
}

func TestHelloAckCarriesCurrentServerSeq(t *testing.T) {
	srv, _ := newTestServer(t)
	ws := dial(t, srv)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]interface{}{
		"type": "hello", "doc_id": "d1", "client_id": "c1",
	}))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"hello_ack"`)
	assert.Contains(t, string(raw), `"server_seq":0`)
}

func TestMissingHelloClosesWithProtocolError(t *testing.T) {
	srv, _ := newTestServer(t)
	ws := dial(t, srv)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]interface{}{
		"type": "op", "doc_id": "d1", "client_id": "c1", "client_msg_id": "m1",
	}))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	assert.Equal(t, websocket.CloseProtocolError, closeErr.Code)
}

func TestOpRoundTripEchoesAssignedServerSeq(t *testing.T) {
	srv, _ := newTestServer(t)
	ws := dial(t, srv)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]interface{}{
		"type": "hello", "doc_id": "d1", "client_id": "c1",
	}))
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage() // hello_ack
	require.NoError(t, err)
	_, _, err = ws.ReadMessage() // resync (empty doc)
	require.NoError(t, err)

	require.NoError(t, ws.WriteJSON(map[string]interface{}{
		"type": "op", "doc_id": "d1", "client_id": "c1", "client_msg_id": "m1",
		"op": map[string]interface{}{
			"type":      "ins",
			"parent_id": []interface{}{0, "root"},
			"id":        []interface{}{1, "c1"},
			"value":     "x",
		},
	}))

	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"op_echo"`)
	assert.Contains(t, string(raw), `"server_seq":1`)
}

func TestIdentityMismatchClosesWithPolicyViolation(t *testing.T) {
	srv, _ := newTestServer(t)
	ws := dial(t, srv)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]interface{}{
		"type": "hello", "doc_id": "d1", "client_id": "c1",
	}))
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, _ = ws.ReadMessage() // hello_ack
	_, _, _ = ws.ReadMessage() // resync

	require.NoError(t, ws.WriteJSON(map[string]interface{}{
		"type": "op", "doc_id": "other-doc", "client_id": "c1", "client_msg_id": "m1",
		"op": map[string]interface{}{
			"type":      "ins",
			"parent_id": []interface{}{0, "root"},
			"id":        []interface{}{1, "c1"},
			"value":     "x",
		},
	}))

	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

var _ http.Handler = (*Handler)(nil)

func TestRoomMembersObserveEchoesInServerSeqOrder(t *testing.T) {
	srv, _ := newTestServer(t)
	ws1 := dial(t, srv)
	defer ws1.Close()
	ws2 := dial(t, srv)
	defer ws2.Close()

	for _, ws := range []*websocket.Conn{ws1, ws2} {
		require.NoError(t, ws.WriteJSON(map[string]interface{}{
			"type": "hello", "doc_id": "shared", "client_id": "c-" + srv.URL,
		}))
		ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := ws.ReadMessage() // hello_ack
		require.NoError(t, err)
		_, _, err = ws.ReadMessage() // resync
		require.NoError(t, err)
	}

	const n = 5
	for i := 1; i <= n; i++ {
		require.NoError(t, ws1.WriteJSON(map[string]interface{}{
			"type": "op", "doc_id": "shared", "client_id": "c-" + srv.URL, "client_msg_id": "m",
			"op": map[string]interface{}{
				"type":      "ins",
				"parent_id": []interface{}{0, "root"},
				"id":        []interface{}{i, "w"},
				"value":     "x",
			},
		}))
	}

	for _, ws := range []*websocket.Conn{ws1, ws2} {
		for want := uint64(1); want <= n; want++ {
			var echo struct {
				Type      string `json:"type"`
				ServerSeq uint64 `json:"server_seq"`
			}
			require.NoError(t, ws.ReadJSON(&echo))
			assert.Equal(t, "op_echo", echo.Type)
			assert.Equal(t, want, echo.ServerSeq)
		}
	}
}
