// Package transport adapts client connections onto the server: a
// WebSocket endpoint carrying one encoded message per binary frame, and
// a long-polling HTTP fallback for environments without WebSocket.
// Both extract the bearer token, verify it, and place the claims into
// every message's context.
package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/teleportal-dev/teleportal/auth"
	"github.com/teleportal-dev/teleportal/message"
	"github.com/teleportal-dev/teleportal/server"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsCloseTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 16,
	WriteBufferSize: 1 << 16,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSHandler upgrades HTTP requests into WebSocket clients of the
// server.
type WSHandler struct {
	server   *server.Server
	verifier *auth.Verifier
}

// NewWSHandler builds the upgrade endpoint. A nil verifier disables
// authentication and admits every connection with an empty context.
func NewWSHandler(srv *server.Server, verifier *auth.Verifier) *WSHandler {
	return &WSHandler{server: srv, verifier: verifier}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var connCtx, err = verifyRequest(h.verifier, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithField("err", err).Warn("failed to upgrade websocket")
		return
	}

	if _, err = h.server.CreateClient(newWSTransport(conn), "", connCtx); err != nil {
		log.WithField("err", err).Warn("failed to create websocket client")
		_ = conn.Close()
	}
}

// verifyRequest extracts the bearer token from the Authorization header
// or the token query parameter and returns the connection context.
func verifyRequest(verifier *auth.Verifier, r *http.Request) (map[string]string, error) {
	if verifier == nil {
		return nil, nil
	}

	var token = r.URL.Query().Get("token")
	if header := r.Header.Get("Authorization"); header != "" {
		token = strings.TrimPrefix(header, "Bearer ")
	}
	if token == "" {
		return nil, fmt.Errorf("missing bearer token")
	}

	var claims, err = verifier.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("verifying token: %w", err)
	}
	return claimsContext(claims)
}

// claimsContext flattens verified claims into the per-connection
// context attached to every message.
func claimsContext(claims *auth.Claims) (map[string]string, error) {
	var access, err = json.Marshal(claims.DocumentAccess)
	if err != nil {
		return nil, fmt.Errorf("encoding documentAccess: %w", err)
	}
	return map[string]string{
		auth.ContextUserID:           claims.UserID,
		auth.ContextRoom:             claims.Room,
		server.ContextDocumentAccess: string(access),
	}, nil
}

// wsTransport carries one encoded message per binary frame.
type wsTransport struct {
	conn *websocket.Conn
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Recv() (*message.Message, error) {
	for {
		var kind, frame, err = t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		msg, err := message.Decode(frame)
		if err != nil {
			// Protocol errors drop the frame, not the connection.
			log.WithField("err", err).Warn("dropping malformed websocket frame")
			continue
		}
		return msg, nil
	}
}

func (t *wsTransport) Send(msg *message.Message) error {
	var frame, err = message.Encode(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return t.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Close runs the closing handshake before dropping the connection.
func (t *wsTransport) Close() error {
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsCloseTimeout))
	return t.conn.Close()
}

var _ server.Transport = (*wsTransport)(nil)
