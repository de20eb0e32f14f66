package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/teleportal-dev/teleportal/auth"
	"github.com/teleportal-dev/teleportal/message"
	"github.com/teleportal-dev/teleportal/replicator"
	"github.com/teleportal-dev/teleportal/server"
	"github.com/teleportal-dev/teleportal/storage"
)

func newTestServer(t *testing.T, check server.PermissionChecker) *server.Server {
	t.Helper()
	var srv = server.New(server.Config{
		Storage: func(docID string, encrypted bool) (storage.Store, error) {
			if encrypted {
				return storage.NewEncryptedMemory(), nil
			}
			return storage.NewMemory(storage.OpLog{}), nil
		},
		Replicator:      replicator.NewMemory(replicator.NewBus(), "node-1"),
		CheckPermission: check,
	})
	t.Cleanup(func() { srv.Close() })
	return srv
}

func updateFrame(t *testing.T, docID string, payload []byte) []byte {
	t.Helper()
	var frame, err = message.Encode(&message.Message{
		Type:       message.TypeDoc,
		DocumentID: docID,
		Doc:        &message.DocPayload{Kind: message.DocUpdate, Update: payload},
	})
	require.NoError(t, err)
	return frame
}

func dialWS(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	var conn, _, err = websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestWebSocketRelay(t *testing.T) {
	var srv = newTestServer(t, nil)
	var ts = httptest.NewServer(NewWSHandler(srv, nil))
	defer ts.Close()

	var connX = dialWS(t, wsURL(ts), nil)
	var connY = dialWS(t, wsURL(ts), nil)

	// Y joins the document with a sync-step-1, then X's update reaches
	// Y as a binary frame.
	var join, err = message.Encode(&message.Message{
		Type:       message.TypeDoc,
		DocumentID: "docA",
		Doc:        &message.DocPayload{Kind: message.DocSyncStep1},
	})
	require.NoError(t, err)
	require.NoError(t, connY.WriteMessage(websocket.BinaryMessage, join))

	// Absorb the sync replies (sync-step-2 and sync-step-1).
	for i := 0; i < 2; i++ {
		_, _, err = connY.ReadMessage()
		require.NoError(t, err)
	}

	var update = storage.OpLogRecord(1, 1, []byte("via websocket"))
	require.NoError(t, connX.WriteMessage(websocket.BinaryMessage, updateFrame(t, "docA", update)))

	connY.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, frame, err := connY.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, kind)

	msg, err := message.Decode(frame)
	require.NoError(t, err)
	require.Equal(t, message.DocUpdate, msg.Doc.Kind)
	require.Equal(t, update, msg.Doc.Update)
}

func TestWebSocketAuth(t *testing.T) {
	var secret = []byte("test-secret")
	var issuer = &auth.Issuer{Secret: secret, Issuer: "teleportal-test", TTL: time.Hour}
	var verifier = &auth.Verifier{Secret: secret, Issuer: "teleportal-test"}

	var srv = newTestServer(t, server.ClaimsChecker())
	var ts = httptest.NewServer(NewWSHandler(srv, verifier))
	defer ts.Close()

	// No token is refused at upgrade.
	var _, resp, err = websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// A read-only token connects but is denied writes.
	token, err := issuer.Sign("user-1", "room-1", []auth.AccessEntry{
		{Pattern: "*", Permissions: []auth.Permission{auth.PermissionRead}},
	})
	require.NoError(t, err)

	var header = http.Header{"Authorization": []string{"Bearer " + token}}
	var conn = dialWS(t, wsURL(ts), header)

	var update = storage.OpLogRecord(1, 1, []byte("refused"))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, updateFrame(t, "docA", update)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	msg, err := message.Decode(frame)
	require.NoError(t, err)
	require.Equal(t, message.DocAuthMessage, msg.Doc.Kind)
	require.Equal(t, "denied", msg.Doc.Permission)

	// The token also works as a query parameter.
	var viaQuery = dialWS(t, wsURL(ts)+"?token="+token, nil)
	viaQuery.Close()
}

func TestWebSocketDropsMalformedFrame(t *testing.T) {
	var srv = newTestServer(t, nil)
	var ts = httptest.NewServer(NewWSHandler(srv, nil))
	defer ts.Close()

	var conn = dialWS(t, wsURL(ts), nil)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0xff, 0x00}))

	// The connection survives and later frames still work.
	var update = storage.OpLogRecord(1, 1, []byte("ok"))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, updateFrame(t, "docA", update)))

	var deadline = time.Now().Add(2 * time.Second)
	for srv.Session("docA") == nil {
		require.True(t, time.Now().Before(deadline))
		time.Sleep(time.Millisecond)
	}
}

type pollClient struct {
	base     string
	clientID string
	http     *http.Client
}

func connectPoll(t *testing.T, base string) *pollClient {
	t.Helper()
	var resp, err = http.Post(base+"/poll/connect", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		ClientID string `json:"clientId"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.ClientID)
	return &pollClient{base: base, clientID: body.ClientID, http: http.DefaultClient}
}

func (c *pollClient) send(t *testing.T, frames ...[]byte) {
	t.Helper()
	var batch bytes.Buffer
	for _, frame := range frames {
		writeFrame(&batch, frame)
	}
	var resp, err = c.http.Post(
		fmt.Sprintf("%s/poll/%s/send", c.base, c.clientID), "application/octet-stream", &batch)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func (c *pollClient) recv(t *testing.T) [][]byte {
	t.Helper()
	var resp, err = c.http.Get(fmt.Sprintf("%s/poll/%s/recv", c.base, c.clientID))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body, readErr = io.ReadAll(resp.Body)
	require.NoError(t, readErr)

	var frames [][]byte
	for len(body) > 0 {
		frame, rest, err := readFrame(body)
		require.NoError(t, err)
		frames = append(frames, frame)
		body = rest
	}
	return frames
}

func registerPoll(t *testing.T, srv *server.Server, router *mux.Router) *LongPollHandler {
	t.Helper()
	var h = NewLongPollHandler(srv, nil)
	h.Register(router)
	t.Cleanup(h.Stop)
	return h
}

func TestLongPollRelay(t *testing.T) {
	var srv = newTestServer(t, nil)
	var router = mux.NewRouter()
	registerPoll(t, srv, router)
	var ts = httptest.NewServer(router)
	defer ts.Close()

	var x = connectPoll(t, ts.URL)
	var y = connectPoll(t, ts.URL)

	// Y joins, then X's update is queued for Y's next poll.
	var join, err = message.Encode(&message.Message{
		Type:       message.TypeDoc,
		DocumentID: "docA",
		Doc:        &message.DocPayload{Kind: message.DocSyncStep1},
	})
	require.NoError(t, err)
	y.send(t, join)

	// First poll returns the two sync replies.
	var deadline = time.Now().Add(5 * time.Second)
	var got [][]byte
	for len(got) < 2 {
		require.True(t, time.Now().Before(deadline), "sync replies never arrived")
		got = append(got, y.recv(t)...)
	}

	var update = storage.OpLogRecord(1, 1, []byte("via long poll"))
	x.send(t, updateFrame(t, "docA", update))

	got = nil
	for len(got) < 1 {
		require.True(t, time.Now().Before(deadline), "update never arrived")
		got = y.recv(t)
	}
	msg, err := message.Decode(got[0])
	require.NoError(t, err)
	require.Equal(t, update, msg.Doc.Update)
}

func TestLongPollUnknownClient(t *testing.T) {
	var srv = newTestServer(t, nil)
	var router = mux.NewRouter()
	registerPoll(t, srv, router)
	var ts = httptest.NewServer(router)
	defer ts.Close()

	var resp, err = http.Post(ts.URL+"/poll/nope/send", "application/octet-stream", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLongPollStop(t *testing.T) {
	var srv = newTestServer(t, nil)
	var router = mux.NewRouter()
	var h = registerPoll(t, srv, router)
	var ts = httptest.NewServer(router)
	defer ts.Close()

	// Stop ends the reaper and is idempotent; connected clients keep
	// working through the routes.
	h.Stop()
	h.Stop()

	var c = connectPoll(t, ts.URL)
	c.send(t, updateFrame(t, "docA", storage.OpLogRecord(1, 1, []byte("u"))))
}

func TestLongPollDisconnect(t *testing.T) {
	var srv = newTestServer(t, nil)
	var router = mux.NewRouter()
	registerPoll(t, srv, router)
	var ts = httptest.NewServer(router)
	defer ts.Close()

	var c = connectPoll(t, ts.URL)

	var req, err = http.NewRequest("DELETE", fmt.Sprintf("%s/poll/%s", ts.URL, c.clientID), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Further sends are refused.
	resp, err = http.Post(fmt.Sprintf("%s/poll/%s/send", ts.URL, c.clientID), "application/octet-stream", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
