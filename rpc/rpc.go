// Package rpc implements the method plane riding the shared transport:
// a registry dispatches request frames to named handlers, which answer
// with streamed frames and a final response correlated by the request's
// message id. The built-in methods are the milestone CRUD and the file
// transfer mediators.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/teleportal-dev/teleportal/message"
	"github.com/teleportal-dev/teleportal/session"
	"github.com/teleportal-dev/teleportal/storage"
	"github.com/teleportal-dev/teleportal/upload"
)

// Error is an RPC failure surfaced to the client with a status code.
type Error struct {
	StatusCode int
	Details    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.StatusCode, e.Details)
}

// Errorf builds a client-visible RPC error.
func Errorf(statusCode int, format string, args ...interface{}) *Error {
	return &Error{StatusCode: statusCode, Details: fmt.Sprintf(format, args...)}
}

// SessionSource resolves a document's session, opening it if needed.
// The server implements this.
type SessionSource interface {
	GetOrOpenSession(docID string, encrypted bool) (*session.Session, error)
}

// Handler serves one RPC method.
type Handler func(ctx context.Context, call *Call) error

// Call is one method invocation, bound to the document's session and
// the originating client.
type Call struct {
	Session *session.Session
	Origin  *session.Client
	Request *message.Message
	// Params is the request's payload, typically JSON.
	Params []byte
}

// PlaneConfig assembles the RPC plane.
type PlaneConfig struct {
	Milestones storage.MilestoneStore
	Files      storage.FileStore
	Uploads    upload.TemporaryStorage
}

// Plane routes file and rpc messages for every session. It implements
// session.MessageHandler for both traffic classes.
type Plane struct {
	milestones storage.MilestoneStore
	files      storage.FileStore
	uploads    upload.TemporaryStorage
	sessions   SessionSource
	handlers   map[string]Handler
}

// NewPlane builds the plane with the built-in methods registered.
func NewPlane(cfg PlaneConfig) *Plane {
	var p = &Plane{
		milestones: cfg.Milestones,
		files:      cfg.Files,
		uploads:    cfg.Uploads,
		handlers:   make(map[string]Handler),
	}
	p.Register("milestoneList", p.milestoneList)
	p.Register("milestoneGet", p.milestoneGet)
	p.Register("milestoneCreate", p.milestoneCreate)
	p.Register("milestoneUpdateName", p.milestoneUpdateName)
	p.Register("milestoneDelete", p.milestoneDelete)
	p.Register("milestoneRestore", p.milestoneRestore)
	p.Register("fileUpload", p.fileUpload)
	p.Register("fileDownload", p.fileDownload)
	return p
}

// Bind attaches the session source. It must be called before the plane
// receives traffic; the server wires itself in at startup.
func (p *Plane) Bind(sessions SessionSource) { p.sessions = sessions }

// Register adds a method to the registry, replacing any prior handler.
func (p *Plane) Register(method string, handler Handler) {
	p.handlers[method] = handler
}

// HandleMessage dispatches a routed file or rpc message.
func (p *Plane) HandleMessage(ctx context.Context, msg *message.Message, origin *session.Client) error {
	switch msg.Type {
	case message.TypeFile:
		return p.handleFile(ctx, msg, origin)
	case message.TypeRPC:
		return p.handleRPC(ctx, msg, origin)
	default:
		return fmt.Errorf("unexpected message type %s on rpc plane", msg.Type)
	}
}

func (p *Plane) handleRPC(ctx context.Context, msg *message.Message, origin *session.Client) error {
	// RPC is node-local: nothing to do for replicated frames, and
	// client-sent stream or response directions have no meaning.
	if origin == nil || msg.RPC.Direction != message.RPCRequest {
		return nil
	}

	var handler, ok = p.handlers[msg.RPC.Method]
	var call = &Call{Origin: origin, Request: msg, Params: msg.RPC.Payload}
	if !ok {
		requestCounter.WithLabelValues(msg.RPC.Method, "unknown").Inc()
		return call.sendError(Errorf(http.StatusNotFound, "unknown method %q", msg.RPC.Method))
	}

	var sess, err = p.sessions.GetOrOpenSession(msg.DocumentID, msg.Encrypted)
	if err != nil {
		requestCounter.WithLabelValues(msg.RPC.Method, "error").Inc()
		return call.sendError(Errorf(http.StatusInternalServerError, "opening document session"))
	}
	call.Session = sess

	if err = handler(ctx, call); err != nil {
		requestCounter.WithLabelValues(msg.RPC.Method, "error").Inc()
		return call.sendError(toError(err))
	}
	requestCounter.WithLabelValues(msg.RPC.Method, "ok").Inc()
	return nil
}

// toError maps storage and upload failures onto client status codes.
func toError(err error) *Error {
	var rpcErr *Error
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.Is(err, storage.ErrUnknownMilestone),
		errors.Is(err, storage.ErrUnknownFile),
		errors.Is(err, storage.ErrUnknownUpload):
		return Errorf(http.StatusNotFound, "%s", err)
	case errors.Is(err, upload.ErrRootMismatch),
		errors.Is(err, upload.ErrChunkMissing),
		errors.Is(err, upload.ErrSizeMismatch),
		errors.Is(err, upload.ErrProofInvalid):
		return Errorf(http.StatusBadRequest, "%s", err)
	default:
		log.WithField("err", err).Error("rpc handler failed")
		return Errorf(http.StatusInternalServerError, "internal error")
	}
}

// responseBody is the JSON envelope of every rpc reply.
type responseBody struct {
	Type       string          `json:"type"`
	StatusCode int             `json:"statusCode,omitempty"`
	Details    string          `json:"details,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Success sends the final response with an optional payload value.
func (c *Call) Success(v interface{}) error {
	var body = responseBody{Type: "success"}
	if v != nil {
		var raw, err = json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding rpc response: %w", err)
		}
		body.Payload = raw
	}
	return c.send(message.RPCResponse, body)
}

// Stream sends one streamed frame ahead of the final response.
func (c *Call) Stream(payload []byte) error {
	return c.send(message.RPCStream, responseBody{Type: "success", Payload: payload})
}

func (c *Call) sendError(rpcErr *Error) error {
	return c.send(message.RPCResponse, responseBody{
		Type:       "error",
		StatusCode: rpcErr.StatusCode,
		Details:    rpcErr.Details,
	})
}

func (c *Call) send(direction message.RPCDirection, body responseBody) error {
	var raw, err = json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding rpc reply: %w", err)
	}
	return c.Origin.Send(&message.Message{
		Type:       message.TypeRPC,
		DocumentID: c.Request.DocumentID,
		Encrypted:  c.Request.Encrypted,
		RPC: &message.RPCPayload{
			Method:            c.Request.RPC.Method,
			Direction:         direction,
			OriginalRequestID: c.Request.ID,
			Payload:           raw,
		},
	})
}

func (c *Call) params(v interface{}) error {
	if err := json.Unmarshal(c.Params, v); err != nil {
		return Errorf(http.StatusBadRequest, "decoding %q params: %s", c.Request.RPC.Method, err)
	}
	return nil
}
