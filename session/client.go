package session

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/teleportal-dev/teleportal/message"
)

// Sender is the writable half of a client's transport.
type Sender interface {
	Send(msg *message.Message) error
}

// Client binds a connected peer to the sessions it participates in.
// Sends are serialized: the server side is the single producer onto the
// transport's writable half.
type Client struct {
	id     string
	sender Sender
	logger *log.Entry

	mu sync.Mutex
}

// NewClient returns a client writing to sender.
func NewClient(id string, sender Sender) *Client {
	return &Client{
		id:     id,
		sender: sender,
		logger: log.WithField("clientId", id),
	}
}

// ID returns the client's identity.
func (c *Client) ID() string { return c.id }

// Log returns the client's log entry.
func (c *Client) Log() *log.Entry { return c.logger }

// Send writes one message to the client's transport.
func (c *Client) Send(msg *message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sender.Send(msg)
}
