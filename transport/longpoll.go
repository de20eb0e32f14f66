package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/teleportal-dev/teleportal/auth"
	"github.com/teleportal-dev/teleportal/message"
	"github.com/teleportal-dev/teleportal/server"
)

const (
	// pollWait is how long a recv request parks before returning empty.
	pollWait = 25 * time.Second
	// pollIdleTimeout disconnects clients that stop polling.
	pollIdleTimeout = 90 * time.Second
	// pollMaxBody bounds one send request's body.
	pollMaxBody = 4 << 20
)

// pollRateLimit bounds each client's request rate.
var pollRateLimit = rate.Limit(50)

// LongPollHandler is the HTTP fallback transport. Clients connect to
// obtain an id, POST binary frames to send, and park GET requests to
// receive. Undelivered messages stay queued until the next poll, which
// preserves at-least-once delivery across polls.
type LongPollHandler struct {
	server   *server.Server
	verifier *auth.Verifier

	stop     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	clients map[string]*pollTransport
}

// NewLongPollHandler builds the long-poll endpoints and starts the
// idle-client reaper. Stop ends the reaper.
func NewLongPollHandler(srv *server.Server, verifier *auth.Verifier) *LongPollHandler {
	var h = &LongPollHandler{
		server:   srv,
		verifier: verifier,
		stop:     make(chan struct{}),
		clients:  make(map[string]*pollTransport),
	}
	go h.reapIdle()
	return h
}

// Stop ends the idle reaper. It is idempotent.
func (h *LongPollHandler) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Register mounts the handler's routes.
func (h *LongPollHandler) Register(r *mux.Router) {
	r.HandleFunc("/poll/connect", h.handleConnect).Methods("POST")
	r.HandleFunc("/poll/{clientId}/send", h.handleSend).Methods("POST")
	r.HandleFunc("/poll/{clientId}/recv", h.handleRecv).Methods("GET")
	r.HandleFunc("/poll/{clientId}", h.handleDisconnect).Methods("DELETE")
}

func (h *LongPollHandler) handleConnect(w http.ResponseWriter, r *http.Request) {
	var connCtx, err = verifyRequest(h.verifier, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var clientID = uuid.NewString()
	var transport = newPollTransport()

	if _, err = h.server.CreateClient(transport, clientID, connCtx); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.mu.Lock()
	h.clients[clientID] = transport
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, "{\"clientId\":%q}\n", clientID)
}

func (h *LongPollHandler) transport(r *http.Request) (*pollTransport, string, bool) {
	var clientID = mux.Vars(r)["clientId"]
	h.mu.Lock()
	defer h.mu.Unlock()
	var t, ok = h.clients[clientID]
	return t, clientID, ok
}

func (h *LongPollHandler) handleSend(w http.ResponseWriter, r *http.Request) {
	var t, _, ok = h.transport(r)
	if !ok {
		http.Error(w, "unknown client", http.StatusNotFound)
		return
	}
	if !t.limiter.Allow() {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	var body, err = io.ReadAll(io.LimitReader(r.Body, pollMaxBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for len(body) > 0 {
		frame, rest, err := readFrame(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		body = rest
		msg, err := message.Decode(frame)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err = t.push(msg); err != nil {
			http.Error(w, err.Error(), http.StatusGone)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *LongPollHandler) handleRecv(w http.ResponseWriter, r *http.Request) {
	var t, _, ok = h.transport(r)
	if !ok {
		http.Error(w, "unknown client", http.StatusNotFound)
		return
	}
	if !t.limiter.Allow() {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	var msgs = t.drain(r.Context().Done(), pollWait)
	w.Header().Set("Content-Type", "application/octet-stream")
	for _, msg := range msgs {
		var frame, err = message.Encode(msg)
		if err != nil {
			log.WithField("err", err).Error("failed to encode polled message")
			continue
		}
		writeFrame(w, frame)
	}
}

func (h *LongPollHandler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var _, clientID, ok = h.transport(r)
	if !ok {
		http.Error(w, "unknown client", http.StatusNotFound)
		return
	}
	h.server.DisconnectClient(clientID)
	h.mu.Lock()
	delete(h.clients, clientID)
	h.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// reapIdle disconnects clients whose last poll is too old.
func (h *LongPollHandler) reapIdle() {
	var ticker = time.NewTicker(pollIdleTimeout / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-h.stop:
			return
		}
		var cutoff = time.Now().Add(-pollIdleTimeout)

		h.mu.Lock()
		var stale []string
		for id, t := range h.clients {
			if t.lastSeen().Before(cutoff) {
				stale = append(stale, id)
				delete(h.clients, id)
			}
		}
		h.mu.Unlock()

		for _, id := range stale {
			log.WithField("clientId", id).Info("disconnecting idle poll client")
			h.server.DisconnectClient(id)
		}
	}
}

// readFrame splits one uvarint-length-prefixed frame off buf.
func readFrame(buf []byte) (frame, rest []byte, err error) {
	var length, n = binary.Uvarint(buf)
	if n <= 0 || length > uint64(len(buf)-n) {
		return nil, nil, fmt.Errorf("malformed frame batch")
	}
	return buf[n : n+int(length)], buf[n+int(length):], nil
}

func writeFrame(w io.Writer, frame []byte) {
	var prefix [binary.MaxVarintLen64]byte
	var n = binary.PutUvarint(prefix[:], uint64(len(frame)))
	_, _ = w.Write(prefix[:n])
	_, _ = w.Write(frame)
}

// pollTransport queues traffic between HTTP polls and the server.
type pollTransport struct {
	inbound chan *message.Message
	limiter *rate.Limiter

	mu       sync.Mutex
	outbound []*message.Message
	notify   chan struct{}
	closed   bool
	seen     time.Time
}

func newPollTransport() *pollTransport {
	return &pollTransport{
		inbound: make(chan *message.Message, 64),
		limiter: rate.NewLimiter(pollRateLimit, int(pollRateLimit)),
		notify:  make(chan struct{}, 1),
		seen:    time.Now(),
	}
}

func (t *pollTransport) push(msg *message.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("client is disconnected")
	}
	t.seen = time.Now()

	select {
	case t.inbound <- msg:
		return nil
	default:
		return fmt.Errorf("inbound queue overflow")
	}
}

// drain returns queued outbound messages, parking up to wait for the
// first one.
func (t *pollTransport) drain(done <-chan struct{}, wait time.Duration) []*message.Message {
	t.mu.Lock()
	t.seen = time.Now()
	t.mu.Unlock()

	var deadline = time.NewTimer(wait)
	defer deadline.Stop()

	for {
		t.mu.Lock()
		if len(t.outbound) > 0 || t.closed {
			var msgs = t.outbound
			t.outbound = nil
			t.mu.Unlock()
			return msgs
		}
		t.mu.Unlock()

		select {
		case <-t.notify:
		case <-deadline.C:
			return nil
		case <-done:
			return nil
		}
	}
}

func (t *pollTransport) lastSeen() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seen
}

func (t *pollTransport) Recv() (*message.Message, error) {
	var msg, ok = <-t.inbound
	if !ok {
		return nil, io.EOF
	}
	return msg, nil
}

func (t *pollTransport) Send(msg *message.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("client is disconnected")
	}
	t.outbound = append(t.outbound, msg)
	select {
	case t.notify <- struct{}{}:
	default:
	}
	return nil
}

func (t *pollTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.inbound)
	select {
	case t.notify <- struct{}{}:
	default:
	}
	return nil
}

var _ server.Transport = (*pollTransport)(nil)
