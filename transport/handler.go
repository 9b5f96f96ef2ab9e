// Package transport drives one duplex WebSocket connection through the
// hello → catch-up → op-loop state machine and owns the per-connection
// outbound queue and writer.
package transport

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Polqt/collabd/docservice"
	"github.com/Polqt/collabd/persistence"
	"github.com/Polqt/collabd/protocol"
	"github.com/Polqt/collabd/server"
	"github.com/Polqt/collabd/session"
)

func deadlineNow() time.Time { return time.Now().Add(5 * time.Second) }

// Handler upgrades HTTP requests to WebSocket connections and drives each
// one through the connection state machine, wired to an explicit server
// context rather than package-level singletons.
type Handler struct {
	docs     *docservice.Service
	store    persistence.Store
	sessions *session.Manager
	log      *logrus.Logger
	upgrader websocket.Upgrader
	cfg      server.Config
}

// NewHandler builds a Handler over ctx's collaboration primitives.
func NewHandler(ctx *server.Context) *Handler {
	return &Handler{
		docs:     ctx.Docs,
		store:    ctx.Store,
		sessions: ctx.Sessions,
		log:      ctx.Log,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		cfg:      ctx.Config,
	}
}

// ServeHTTP upgrades the request and runs the connection to completion.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("ws upgrade failed")
		return
	}
	h.run(ws)
}

// run drives one connection through AWAIT_HELLO → CATCHUP → RUNNING →
// CLOSED. Teardown (any exit path) always leaves the room and stops the
// writer.
func (h *Handler) run(ws *websocket.Conn) {
	conn := newConnection(ws, h.cfg.OutboundQueueCapacity, logrus.NewEntry(h.log))
	writerDone := make(chan struct{})
	go func() {
		conn.writeLoop()
		close(writerDone)
	}()

	defer func() {
		h.sessions.LeaveAny(conn)
		conn.closeQuiet()
		<-writerDone
	}()

	hello, ok := h.awaitHello(ws, conn)
	if !ok {
		return
	}
	conn.DocID = hello.DocID
	conn.ClientID = hello.ClientID
	conn.log = conn.log.WithFields(logrus.Fields{"doc_id": hello.DocID, "client_id": hello.ClientID})

	h.sessions.Join(hello.DocID, conn)

	if !h.catchUp(conn, hello) {
		return
	}

	h.runLoop(ws, conn)
}

// awaitHello reads exactly one message and requires it to be a hello.
func (h *Handler) awaitHello(ws *websocket.Conn, conn *Connection) (*protocol.ClientHello, bool) {
	_, raw, err := ws.ReadMessage()
	if err != nil {
		conn.closeQuiet()
		return nil, false
	}
	msg, err := protocol.ParseClientMessage(raw)
	if err != nil {
		conn.closeWithCode(websocket.CloseProtocolError, "protocol: invalid hello")
		return nil, false
	}
	if msg.Hello == nil {
		conn.closeWithCode(websocket.CloseProtocolError, "protocol: first message must be hello")
		return nil, false
	}
	return msg.Hello, true
}

// catchUp brings a freshly-joined connection up to date: hello_ack, then
// either a bounded replay or a full resync.
func (h *Handler) catchUp(conn *Connection, hello *protocol.ClientHello) bool {
	currentSeq, err := h.docs.GetServerSeq(hello.DocID)
	if err != nil {
		h.log.WithError(err).Error("get server seq failed")
		conn.closeWithCode(websocket.CloseInternalServerErr, "internal error")
		return false
	}

	ack, err := protocol.EncodeServerMessage(protocol.ServerHelloAck{DocID: hello.DocID, ServerSeq: currentSeq})
	if err != nil {
		conn.closeWithCode(websocket.CloseInternalServerErr, "internal error")
		return false
	}
	if !h.send(conn, ack) {
		return false
	}

	if hello.LastSeenServerSeq > 0 && hello.LastSeenServerSeq < currentSeq {
		replay, err := h.store.GetOpsSince(hello.DocID, hello.LastSeenServerSeq)
		if err != nil {
			h.log.WithError(err).Error("get ops since failed")
			conn.closeWithCode(websocket.CloseInternalServerErr, "internal error")
			return false
		}
		if replay != nil && len(replay) <= h.cfg.ReplayLimit {
			for _, rec := range replay {
				echo, err := protocol.EncodeServerMessage(protocol.ServerOpEcho{
					DocID:          hello.DocID,
					ServerSeq:      rec.ServerSeq,
					OriginClientID: rec.OriginClientID,
					ClientMsgID:    rec.ClientMsgID,
					Op:             rec.Op,
				})
				if err != nil {
					conn.closeWithCode(websocket.CloseInternalServerErr, "internal error")
					return false
				}
				if !h.send(conn, echo) {
					return false
				}
			}
			return true
		}
		// replay is nil (cannot answer) or exceeds the bound: fall through
		// to snapshot resync.
	}

	return h.sendResync(conn, hello.DocID)
}

func (h *Handler) sendResync(conn *Connection, docID string) bool {
	fullText, serverSeq, err := h.docs.GetSnapshot(docID)
	if err != nil {
		h.log.WithError(err).Error("get snapshot failed")
		conn.closeWithCode(websocket.CloseInternalServerErr, "internal error")
		return false
	}
	resync, err := protocol.EncodeServerMessage(protocol.ServerResync{DocID: docID, ServerSeq: serverSeq, FullText: fullText})
	if err != nil {
		conn.closeWithCode(websocket.CloseInternalServerErr, "internal error")
		return false
	}
	return h.send(conn, resync)
}

// runLoop is the steady state: read ops, apply, broadcast, until a protocol
// violation, identity mismatch, or transport error ends the connection.
func (h *Handler) runLoop(ws *websocket.Conn, conn *Connection) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			conn.closeQuiet()
			return
		}

		msg, parseErr := protocol.ParseClientMessage(raw)
		if parseErr != nil {
			conn.closeWithCode(websocket.CloseProtocolError, "protocol: invalid message")
			return
		}
		if msg.Op == nil {
			conn.closeWithCode(websocket.CloseUnsupportedData, "protocol: unexpected message type")
			return
		}
		clientOp := msg.Op
		if clientOp.DocID != conn.DocID || clientOp.ClientID != conn.ClientID {
			conn.closeWithCode(websocket.ClosePolicyViolation, "protocol: identity mismatch")
			return
		}

		// The echo is encoded and broadcast inside ApplyOp's commit hook,
		// while the doc lock is still held, so every room member observes
		// op_echo messages in the exact server_seq order the document
		// service assigned them.
		var echoErr error
		_, err = h.docs.ApplyOp(clientOp.DocID, clientOp.ClientID, clientOp.ClientMsgID, clientOp.Op, func(serverSeq uint64) {
			echo, encErr := protocol.EncodeServerMessage(protocol.ServerOpEcho{
				DocID:          clientOp.DocID,
				ServerSeq:      serverSeq,
				OriginClientID: clientOp.ClientID,
				ClientMsgID:    clientOp.ClientMsgID,
				Op:             clientOp.Op,
			})
			if encErr != nil {
				echoErr = encErr
				return
			}
			h.sessions.Broadcast(clientOp.DocID, echo)
		})
		if err != nil {
			h.log.WithError(errors.WithStack(err)).Error("apply op failed")
			conn.closeWithCode(websocket.CloseInternalServerErr, "internal error")
			return
		}
		if echoErr != nil {
			h.log.WithError(echoErr).Error("encode op echo failed")
			conn.closeWithCode(websocket.CloseInternalServerErr, "internal error")
			return
		}
	}
}

// send enqueues payload on conn, reporting whether the connection is still
// usable. Enqueue itself closes the connection with the backpressure code on
// overflow, so a false return only means "stop feeding this connection".
func (h *Handler) send(conn *Connection, payload []byte) bool {
	return conn.Enqueue(payload)
}
