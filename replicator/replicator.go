// Package replicator fans encoded message frames out across nodes.
// Sessions publish their locally applied messages to a per-document
// channel and receive the frames published by other nodes; the
// publisher's node id travels with every delivery so subscribers can
// suppress their own echoes.
package replicator

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// DocumentChannel returns the replication channel of a document.
func DocumentChannel(docID string) string {
	return "document/" + docID
}

// Replicator is the multi-node replication plane. Subscribe returns an
// unsubscribe function; fn receives the raw frame and the publishing
// node's id. Network implementations must carry sourceID in a header.
type Replicator interface {
	NodeID() string
	Subscribe(ctx context.Context, channel string, fn func(frame []byte, sourceID string)) (func(), error)
	Publish(ctx context.Context, channel string, frame []byte) error
}

// Bus is the shared in-process backbone of the in-memory reference
// replicator. Several Memory nodes attached to one Bus model a
// multi-node deployment inside a single process.
type Bus struct {
	mu   sync.Mutex
	subs map[string]map[int64]*busSub
	next int64
}

type busSub struct {
	ch     chan busDelivery
	cancel context.CancelFunc
}

type busDelivery struct {
	frame    []byte
	sourceID string
}

// subscriberQueueDepth bounds each subscriber's delivery queue. A
// subscriber that falls this far behind starts dropping frames; peers
// reconverge through the next sync exchange.
const subscriberQueueDepth = 256

// NewBus returns an empty in-memory backbone.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int64]*busSub)}
}

func (b *Bus) subscribe(ctx context.Context, channel string, fn func(frame []byte, sourceID string)) func() {
	var subCtx, cancel = context.WithCancel(ctx)
	var sub = &busSub{
		ch:     make(chan busDelivery, subscriberQueueDepth),
		cancel: cancel,
	}

	b.mu.Lock()
	var id = b.next
	b.next++
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int64]*busSub)
	}
	b.subs[channel][id] = sub
	b.mu.Unlock()

	// One delivery goroutine per subscriber keeps a slow consumer from
	// stalling publishers or its peers.
	go func() {
		for {
			select {
			case d := <-sub.ch:
				fn(d.frame, d.sourceID)
			case <-subCtx.Done():
				return
			}
		}
	}()

	return func() {
		cancel()
		b.mu.Lock()
		delete(b.subs[channel], id)
		if len(b.subs[channel]) == 0 {
			delete(b.subs, channel)
		}
		b.mu.Unlock()
	}
}

func (b *Bus) publish(channel string, frame []byte, sourceID string) {
	b.mu.Lock()
	var targets = make([]*busSub, 0, len(b.subs[channel]))
	for _, sub := range b.subs[channel] {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- busDelivery{frame: frame, sourceID: sourceID}:
		default:
			publishDroppedCounter.Inc()
			log.WithFields(log.Fields{
				"channel": channel,
				"source":  sourceID,
			}).Warn("dropping replicated frame for slow subscriber")
		}
	}
}

// Memory is one node's handle onto a Bus.
type Memory struct {
	bus    *Bus
	nodeID string
}

// NewMemory attaches a new node to the bus. An empty nodeID is assigned
// a random UUID.
func NewMemory(bus *Bus, nodeID string) *Memory {
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	return &Memory{bus: bus, nodeID: nodeID}
}

func (m *Memory) NodeID() string { return m.nodeID }

func (m *Memory) Subscribe(ctx context.Context, channel string, fn func(frame []byte, sourceID string)) (func(), error) {
	if fn == nil {
		return nil, fmt.Errorf("replicator: nil subscriber callback")
	}
	subscribeCounter.Inc()
	return m.bus.subscribe(ctx, channel, fn), nil
}

func (m *Memory) Publish(ctx context.Context, channel string, frame []byte) error {
	publishCounter.Inc()
	m.bus.publish(channel, frame, m.nodeID)
	return nil
}

var _ Replicator = (*Memory)(nil)
