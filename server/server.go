// Package server ties the pieces together: it owns the session
// registry, runs a reader pump per connected client, and applies the
// permission gate to every inbound message before it reaches a session.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/teleportal-dev/teleportal/auth"
	"github.com/teleportal-dev/teleportal/message"
	"github.com/teleportal-dev/teleportal/replicator"
	"github.com/teleportal-dev/teleportal/session"
	"github.com/teleportal-dev/teleportal/storage"
)

// ErrServerClosed is returned for operations on a closed server.
var ErrServerClosed = errors.New("server: closed")

// Transport is one client connection. Recv blocks for the next decoded
// message and returns an error when the connection ends; Send writes
// one message back to the client.
type Transport interface {
	Recv() (*message.Message, error)
	Send(msg *message.Message) error
	Close() error
}

// Config assembles a server.
type Config struct {
	// Storage builds the per-document store for each opened session.
	Storage storage.Factory
	// Replicator is this node's handle onto the replication plane.
	Replicator replicator.Replicator

	// CheckPermission gates read- and write-class messages. A nil
	// checker admits everything, for single-tenant embeddings.
	CheckPermission PermissionChecker

	// Files and RPC handle routed file and rpc traffic for every
	// session. Either may be nil.
	Files session.MessageHandler
	RPC   session.MessageHandler

	// DedupeTTL and DedupeSize are passed through to each session.
	DedupeTTL  time.Duration
	DedupeSize int
}

// clientState tracks one connected client and the sessions it joined.
type clientState struct {
	client    *session.Client
	transport Transport
	connCtx   map[string]string
	sessions  map[string]*session.Session
}

// Server owns the session registry and the connected clients.
type Server struct {
	cfg    Config
	logger *log.Entry

	mu       sync.Mutex
	sessions map[string]*session.Session
	clients  map[string]*clientState
	closed   bool
}

// New builds a server from cfg.
func New(cfg Config) *Server {
	return &Server{
		cfg:      cfg,
		logger:   log.WithField("nodeId", cfg.Replicator.NodeID()),
		sessions: make(map[string]*session.Session),
		clients:  make(map[string]*clientState),
	}
}

// CreateClient registers a connection and starts its reader pump.
// connCtx is attached to every message the client sends, and is where
// the transport places verified token claims. An empty clientID is
// assigned a fresh one.
func (srv *Server) CreateClient(transport Transport, clientID string, connCtx map[string]string) (*session.Client, error) {
	if clientID == "" {
		clientID = uuid.NewString()
	}

	var state = &clientState{
		client:    session.NewClient(clientID, transport),
		transport: transport,
		connCtx:   connCtx,
		sessions:  make(map[string]*session.Session),
	}

	srv.mu.Lock()
	if srv.closed {
		srv.mu.Unlock()
		return nil, ErrServerClosed
	}
	if _, ok := srv.clients[clientID]; ok {
		srv.mu.Unlock()
		return nil, fmt.Errorf("client %q is already connected", clientID)
	}
	srv.clients[clientID] = state
	srv.mu.Unlock()

	connectCounter.Inc()
	state.client.Log().Info("client connected")
	go srv.readLoop(state)

	return state.client, nil
}

// readLoop pumps a client's inbound messages until the transport ends,
// then disconnects the client. Per-message failures are logged and do
// not end the connection.
func (srv *Server) readLoop(state *clientState) {
	defer srv.DisconnectClient(state.client.ID())

	for {
		var msg, err = state.transport.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				state.client.Log().WithField("err", err).Info("client transport ended")
			}
			return
		}
		if err = srv.handleMessage(context.Background(), state, msg); err != nil {
			state.client.Log().WithFields(log.Fields{
				"err":       err,
				"messageId": msg.ID,
			}).Warn("dropping client message")
		}
	}
}

// handleMessage gates and routes one inbound message.
func (srv *Server) handleMessage(ctx context.Context, state *clientState, msg *message.Message) error {
	msg.Context = state.connCtx

	var decision = classify(msg)
	switch decision {
	case gateDrop:
		gateDropCounter.Inc()
		return nil

	case gateRead, gateWrite:
		var ok, err = srv.checkPermission(ctx, state, msg, decision)
		if err != nil {
			return fmt.Errorf("checking %s permission: %w", decision.permission(), err)
		}
		if !ok {
			srv.deny(state, msg, decision.permission())
			return nil
		}
	}

	// Acks carry no document id and fan out to every session the
	// client participates in.
	if msg.Type == message.TypeAck {
		return srv.applyToClientSessions(ctx, state, msg)
	}

	var sess, err = srv.GetOrOpenSession(msg.DocumentID, msg.Encrypted)
	if err != nil {
		return err
	}
	srv.joinSession(state, sess)
	return sess.Apply(ctx, msg, state.client)
}

func (srv *Server) checkPermission(ctx context.Context, state *clientState, msg *message.Message, decision gateDecision) (bool, error) {
	if srv.cfg.CheckPermission == nil {
		return true, nil
	}
	return srv.cfg.CheckPermission(ctx, PermissionCheck{
		Context:    state.connCtx,
		DocumentID: msg.DocumentID,
		Message:    msg,
		Type:       decision.permission(),
	})
}

// deny answers a gated message with a single auth-message and drops it.
func (srv *Server) deny(state *clientState, msg *message.Message, required auth.Permission) {
	deniedCounter.WithLabelValues(msg.Type.String()).Inc()
	state.client.Log().WithFields(log.Fields{
		"documentId": msg.DocumentID,
		"required":   string(required),
	}).Info("denying message")

	var reply = &message.Message{
		Type:       message.TypeDoc,
		DocumentID: msg.DocumentID,
		Encrypted:  msg.Encrypted,
		Doc: &message.DocPayload{
			Kind:       message.DocAuthMessage,
			Permission: "denied",
			Reason: fmt.Sprintf("Insufficient permissions: %s access required for document %q",
				required, msg.DocumentID),
		},
	}
	if err := state.client.Send(reply); err != nil {
		state.client.Log().WithField("err", err).Warn("failed to send denial")
	}
}

// applyToClientSessions fans an ack out to the client's sessions.
// Sessions of the other encryption variant are skipped, and one
// session's failure never withholds the ack from the rest.
func (srv *Server) applyToClientSessions(ctx context.Context, state *clientState, msg *message.Message) error {
	srv.mu.Lock()
	var sessions = make([]*session.Session, 0, len(state.sessions))
	for _, sess := range state.sessions {
		sessions = append(sessions, sess)
	}
	srv.mu.Unlock()

	for _, sess := range sessions {
		if sess.Encrypted() != msg.Encrypted {
			continue
		}
		if err := sess.Apply(ctx, msg, state.client); err != nil {
			state.client.Log().WithFields(log.Fields{
				"err":        err,
				"documentId": sess.DocumentID(),
				"messageId":  msg.ID,
			}).Warn("failed to apply ack to session")
		}
	}
	return nil
}

// GetOrOpenSession returns the document's session, opening and loading
// it on first use. Concurrent callers for one document all receive the
// same session; the first caller's encrypted flag fixes the variant.
func (srv *Server) GetOrOpenSession(docID string, encrypted bool) (*session.Session, error) {
	srv.mu.Lock()
	if srv.closed {
		srv.mu.Unlock()
		return nil, ErrServerClosed
	}
	var sess, ok = srv.sessions[docID]
	if !ok {
		store, err := srv.cfg.Storage(docID, encrypted)
		if err != nil {
			srv.mu.Unlock()
			return nil, fmt.Errorf("building store for %q: %w", docID, err)
		}
		sess, err = session.New(session.Config{
			DocumentID: docID,
			Encrypted:  encrypted,
			Store:      store,
			Replicator: srv.cfg.Replicator,
			Files:      srv.cfg.Files,
			RPC:        srv.cfg.RPC,
			DedupeTTL:  srv.cfg.DedupeTTL,
			DedupeSize: srv.cfg.DedupeSize,
		})
		if err != nil {
			srv.mu.Unlock()
			return nil, err
		}
		srv.sessions[docID] = sess
		sessionGauge.Inc()
	}
	srv.mu.Unlock()

	// Load is idempotent and synchronizes concurrent openers.
	if err := sess.Load(); err != nil {
		srv.mu.Lock()
		if srv.sessions[docID] == sess {
			delete(srv.sessions, docID)
			sessionGauge.Dec()
		}
		srv.mu.Unlock()
		return nil, err
	}
	return sess, nil
}

// Session returns the open session for docID, or nil.
func (srv *Server) Session(docID string) *session.Session {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.sessions[docID]
}

func (srv *Server) joinSession(state *clientState, sess *session.Session) {
	srv.mu.Lock()
	var _, joined = state.sessions[sess.DocumentID()]
	if !joined {
		state.sessions[sess.DocumentID()] = sess
	}
	srv.mu.Unlock()

	if !joined {
		sess.AddClient(state.client)
	}
}

// DisconnectClient removes a client from all its sessions and closes
// its transport. It is a no-op for unknown clients.
func (srv *Server) DisconnectClient(clientID string) {
	srv.mu.Lock()
	var state, ok = srv.clients[clientID]
	if ok {
		delete(srv.clients, clientID)
	}
	var sessions []*session.Session
	if ok {
		for _, sess := range state.sessions {
			sessions = append(sessions, sess)
		}
	}
	srv.mu.Unlock()

	if !ok {
		return
	}
	for _, sess := range sessions {
		sess.RemoveClient(clientID)
	}
	_ = state.transport.Close()
	disconnectCounter.Inc()
	state.client.Log().Info("client disconnected")
}

// Close disconnects every client, disposes every session, and then the
// replicator, in that order.
func (srv *Server) Close() error {
	srv.mu.Lock()
	if srv.closed {
		srv.mu.Unlock()
		return nil
	}
	srv.closed = true
	var clients = srv.clients
	var sessions = srv.sessions
	var joined = make(map[string][]*session.Session, len(clients))
	for id, state := range clients {
		for _, sess := range state.sessions {
			joined[id] = append(joined[id], sess)
		}
	}
	srv.clients = make(map[string]*clientState)
	srv.sessions = make(map[string]*session.Session)
	srv.mu.Unlock()

	for id, state := range clients {
		for _, sess := range joined[id] {
			sess.RemoveClient(state.client.ID())
		}
		_ = state.transport.Close()
	}
	for _, sess := range sessions {
		sess.Close()
		sessionGauge.Dec()
	}

	if closer, ok := srv.cfg.Replicator.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
