// Package session implements the per-document engine: it keeps the
// roster of locally connected clients, applies incoming messages in
// arrival order, persists them, broadcasts them to co-subscribed
// clients, and exchanges them with other nodes through the replicator.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/teleportal-dev/teleportal/message"
	"github.com/teleportal-dev/teleportal/replicator"
	"github.com/teleportal-dev/teleportal/storage"
)

var (
	// ErrEncryptionMismatch is a fatal per-message protocol error: the
	// message's encrypted flag disagrees with the session's.
	ErrEncryptionMismatch = errors.New("session: message encryption mismatch")
	// ErrNoOriginClient marks a message which is only meaningful from a
	// locally connected client, such as sync-step-1.
	ErrNoOriginClient = errors.New("session: message requires an originating client")
	// ErrClosed is returned by Apply after the session was closed.
	ErrClosed = errors.New("session: closed")
)

const (
	// DefaultDedupeTTL bounds how long applied message ids are remembered.
	DefaultDedupeTTL = 30 * time.Second
	// DefaultDedupeSize bounds how many ids are remembered per session.
	DefaultDedupeSize = 1024
)

// MessageHandler consumes routed file and RPC messages. Replies produced
// by the handler go to the originating client; origin is nil for
// messages entering through the replicator.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *message.Message, origin *Client) error
}

// Config assembles a session.
type Config struct {
	DocumentID string
	Encrypted  bool
	Store      storage.Store
	Replicator replicator.Replicator

	// Files and RPC receive the session's file and rpc traffic.
	// A nil handler drops the message with a log line.
	Files MessageHandler
	RPC   MessageHandler

	// DedupeTTL and DedupeSize bound the replay window; zero values take
	// the defaults.
	DedupeTTL  time.Duration
	DedupeSize int
}

// Session is a per-document actor. Applies are serialized; at most one
// session exists per (node, document).
type Session struct {
	docID      string
	encrypted  bool
	store      storage.Store
	replicator replicator.Replicator
	files      MessageHandler
	rpc        MessageHandler
	logger     *log.Entry

	// mu serializes Apply; rosterMu guards the client roster, so routed
	// handlers may broadcast while an apply is in flight.
	mu       sync.Mutex
	rosterMu sync.Mutex
	clients  map[string]*Client
	dedupe   *expirable.LRU[string, struct{}]
	closed   bool

	loadOnce    sync.Once
	loadErr     error
	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc
}

// New assembles a session. The store's variant must agree with the
// session's encrypted flag.
func New(cfg Config) (*Session, error) {
	var wantType = storage.TypeUnencrypted
	if cfg.Encrypted {
		wantType = storage.TypeEncrypted
	}
	if cfg.Store.Type() != wantType {
		return nil, fmt.Errorf("%w: session encrypted=%t but store is %q",
			ErrEncryptionMismatch, cfg.Encrypted, cfg.Store.Type())
	}

	var ttl = cfg.DedupeTTL
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	var size = cfg.DedupeSize
	if size <= 0 {
		size = DefaultDedupeSize
	}

	var ctx, cancel = context.WithCancel(context.Background())
	return &Session{
		docID:      cfg.DocumentID,
		encrypted:  cfg.Encrypted,
		store:      cfg.Store,
		replicator: cfg.Replicator,
		files:      cfg.Files,
		rpc:        cfg.RPC,
		logger: log.WithFields(log.Fields{
			"documentId": cfg.DocumentID,
			"encrypted":  cfg.Encrypted,
		}),
		clients: make(map[string]*Client),
		dedupe:  expirable.NewLRU[string, struct{}](size, nil, ttl),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// DocumentID returns the session's document.
func (s *Session) DocumentID() string { return s.docID }

// Encrypted reports the session's document variant.
func (s *Session) Encrypted() bool { return s.encrypted }

// Store returns the session's storage handle.
func (s *Session) Store() storage.Store { return s.store }

// Load subscribes the session to its replication channel. It is
// idempotent; a subscribe failure fails the load and every later call.
func (s *Session) Load() error {
	s.loadOnce.Do(func() {
		var unsubscribe, err = s.replicator.Subscribe(
			s.ctx, replicator.DocumentChannel(s.docID), s.onReplicated)
		if err != nil {
			s.loadErr = fmt.Errorf("subscribing to replication channel: %w", err)
			return
		}
		s.unsubscribe = unsubscribe
	})
	return s.loadErr
}

// onReplicated re-enters frames published by other nodes into the
// session. Deliveries from this node are suppressed; applies carry a
// nil origin so no origin-specific replies or re-publishes occur.
func (s *Session) onReplicated(frame []byte, sourceID string) {
	if sourceID == s.replicator.NodeID() {
		return
	}

	var msg, err = message.Decode(frame)
	if err != nil {
		s.logger.WithFields(log.Fields{"err": err, "source": sourceID}).
			Warn("dropping undecodable replicated frame")
		return
	}
	if err = s.Apply(s.ctx, msg, nil); err != nil {
		s.logger.WithFields(log.Fields{
			"err":       err,
			"source":    sourceID,
			"messageId": msg.ID,
		}).Error("failed to apply replicated message")
	}
}

// AddClient joins a client to the session's roster.
func (s *Session) AddClient(c *Client) {
	s.rosterMu.Lock()
	defer s.rosterMu.Unlock()
	s.clients[c.ID()] = c
}

// RemoveClient drops a client from the roster, if present.
func (s *Session) RemoveClient(clientID string) {
	s.rosterMu.Lock()
	defer s.rosterMu.Unlock()
	delete(s.clients, clientID)
}

// HasClient reports roster membership.
func (s *Session) HasClient(clientID string) bool {
	s.rosterMu.Lock()
	defer s.rosterMu.Unlock()
	var _, ok = s.clients[clientID]
	return ok
}

// Broadcast sends msg to every local client except excludeClientID.
// A client whose write fails is evicted from the roster; remaining
// recipients are unaffected.
func (s *Session) Broadcast(msg *message.Message, excludeClientID string) {
	s.rosterMu.Lock()
	defer s.rosterMu.Unlock()
	for id, c := range s.clients {
		if id == excludeClientID {
			continue
		}
		if err := c.Send(msg); err != nil {
			broadcastErrorCounter.Inc()
			c.Log().WithFields(log.Fields{
				"err":        err,
				"documentId": s.docID,
			}).Warn("evicting client after failed broadcast write")
			delete(s.clients, id)
			continue
		}
		broadcastCounter.Inc()
	}
}

// Apply is the protocol entry point. origin is the originating local
// client, or nil for messages entering through the replicator. Applies
// on one session are serialized in arrival order.
func (s *Session) Apply(ctx context.Context, msg *message.Message, origin *Client) error {
	if msg.Encrypted != s.encrypted {
		applyCounter.WithLabelValues(msg.Type.String(), "encryption_mismatch").Inc()
		return fmt.Errorf("%w: message encrypted=%t, session encrypted=%t",
			ErrEncryptionMismatch, msg.Encrypted, s.encrypted)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	// TTL dedupe guards against backends that redeliver and against
	// pathological re-entries. sync-step-1 is a pure reply and is
	// answered every time, so a client reconnecting inside the window
	// and re-sending the same vector is not starved of its sync-step-2.
	var replyOnly = msg.Type == message.TypeDoc && msg.Doc.Kind == message.DocSyncStep1
	var dedupeKey = s.docID + "/" + msg.ID
	if !replyOnly {
		if _, seen := s.dedupe.Get(dedupeKey); seen {
			applyCounter.WithLabelValues(msg.Type.String(), "duplicate").Inc()
			return nil
		}
	}

	var err = s.route(ctx, msg, origin)
	if err != nil {
		applyCounter.WithLabelValues(msg.Type.String(), "error").Inc()
		return err
	}
	// Ids are recorded only after success, so a failed apply may be
	// retried with the same frame.
	if !replyOnly {
		s.dedupe.Add(dedupeKey, struct{}{})
	}
	applyCounter.WithLabelValues(msg.Type.String(), "ok").Inc()
	return nil
}

func (s *Session) route(ctx context.Context, msg *message.Message, origin *Client) error {
	switch msg.Type {
	case message.TypeDoc:
		return s.applyDoc(ctx, msg, origin)

	case message.TypeAwareness, message.TypeAck:
		s.Broadcast(msg, originID(origin))
		s.replicate(ctx, msg, origin)
		return nil

	case message.TypeFile:
		if s.files == nil {
			s.logger.WithField("messageId", msg.ID).Warn("dropping file message: no file handler")
			return nil
		}
		return s.files.HandleMessage(ctx, msg, origin)

	case message.TypeRPC:
		if s.rpc == nil {
			s.logger.WithField("messageId", msg.ID).Warn("dropping rpc message: no rpc handler")
			return nil
		}
		return s.rpc.HandleMessage(ctx, msg, origin)

	default:
		return fmt.Errorf("%w: 0x%02x", message.ErrUnknownType, byte(msg.Type))
	}
}

func (s *Session) applyDoc(ctx context.Context, msg *message.Message, origin *Client) error {
	switch msg.Doc.Kind {
	case message.DocSyncStep1:
		return s.applySyncStep1(ctx, msg, origin)

	case message.DocSyncStep2:
		return s.applyWithStorage(ctx, msg, origin, func(ctx context.Context) error {
			return s.store.HandleSyncStep2(ctx, s.docID, msg.Doc.Update)
		}, true)

	case message.DocUpdate:
		return s.applyWithStorage(ctx, msg, origin, func(ctx context.Context) error {
			return s.store.HandleUpdate(ctx, s.docID, msg.Doc.Update)
		}, false)

	case message.DocSyncDone:
		return nil

	case message.DocAuthMessage:
		// Server-originated denials are never forwarded.
		s.logger.WithField("messageId", msg.ID).Debug("dropping inbound auth-message")
		return nil

	default:
		return fmt.Errorf("%w: unknown doc payload kind 0x%02x",
			message.ErrMalformedFrame, byte(msg.Doc.Kind))
	}
}

// applySyncStep1 answers a peer's state vector with the diff it lacks,
// followed by the server's own vector. It is a pure reply: nothing is
// broadcast or replicated.
func (s *Session) applySyncStep1(ctx context.Context, msg *message.Message, origin *Client) error {
	if origin == nil {
		return ErrNoOriginClient
	}

	var result, err = s.store.HandleSyncStep1(ctx, s.docID, msg.Doc.StateVector)
	if err != nil {
		return fmt.Errorf("storage sync-step-1 of %q: %w", s.docID, err)
	}

	if err = origin.Send(&message.Message{
		Type:       message.TypeDoc,
		DocumentID: s.docID,
		Encrypted:  s.encrypted,
		Doc:        &message.DocPayload{Kind: message.DocSyncStep2, Update: result.Update},
	}); err != nil {
		return fmt.Errorf("replying sync-step-2: %w", err)
	}
	if err = origin.Send(&message.Message{
		Type:       message.TypeDoc,
		DocumentID: s.docID,
		Encrypted:  s.encrypted,
		Doc:        &message.DocPayload{Kind: message.DocSyncStep1, StateVector: result.StateVector},
	}); err != nil {
		return fmt.Errorf("replying sync-step-1: %w", err)
	}
	return nil
}

// applyWithStorage runs the storage write and the local broadcast
// concurrently; both must complete before any originator ack is sent or
// the message is replicated. A storage failure means the message is not
// replicated, and peers that already saw the broadcast hold speculative
// state until the next sync converges them.
func (s *Session) applyWithStorage(
	ctx context.Context,
	msg *message.Message,
	origin *Client,
	write func(ctx context.Context) error,
	ackSyncDone bool,
) error {
	var group, groupCtx = errgroup.WithContext(ctx)
	group.Go(func() error { return write(groupCtx) })
	group.Go(func() error {
		s.Broadcast(msg, originID(origin))
		return nil
	})

	if err := group.Wait(); err != nil {
		return fmt.Errorf("storage write of %q: %w", s.docID, err)
	}

	if ackSyncDone && origin != nil {
		if err := origin.Send(&message.Message{
			Type:       message.TypeDoc,
			DocumentID: s.docID,
			Encrypted:  s.encrypted,
			Doc:        &message.DocPayload{Kind: message.DocSyncDone},
		}); err != nil {
			return fmt.Errorf("replying sync-done: %w", err)
		}
	}

	s.replicate(ctx, msg, origin)
	return nil
}

// replicate publishes a locally originated message to peer nodes.
// Replicated messages (nil origin) are never re-published.
func (s *Session) replicate(ctx context.Context, msg *message.Message, origin *Client) {
	if origin == nil {
		return
	}
	s.Replicate(ctx, msg)
}

// Replicate publishes msg to peer nodes. Publish failures are logged
// and do not fail the caller, since the message is already persisted
// and broadcast locally.
func (s *Session) Replicate(ctx context.Context, msg *message.Message) {
	var frame, err = message.Encode(msg)
	if err == nil {
		err = s.replicator.Publish(ctx, replicator.DocumentChannel(s.docID), frame)
	}
	if err != nil {
		replicateErrorCounter.Inc()
		s.logger.WithFields(log.Fields{
			"err":       err,
			"messageId": msg.ID,
		}).Error("failed to publish message to replicator")
	}
}

// Close tears down the replicator subscription first, so no new
// replicated messages arrive, then waits out the in-flight apply.
func (s *Session) Close() {
	s.cancel()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.rosterMu.Lock()
	s.clients = make(map[string]*Client)
	s.rosterMu.Unlock()
}

func originID(origin *Client) string {
	if origin == nil {
		return ""
	}
	return origin.ID()
}
