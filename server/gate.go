package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/teleportal-dev/teleportal/auth"
	"github.com/teleportal-dev/teleportal/message"
)

// PermissionCheck is the input to the user-supplied permission checker.
type PermissionCheck struct {
	// Context is the message's connection context, carrying the verified
	// token claims placed there by the transport.
	Context    map[string]string
	DocumentID string
	Message    *message.Message
	// Type is the required permission, "read" or "write".
	Type auth.Permission
}

// PermissionChecker decides whether a gated message may proceed.
type PermissionChecker func(ctx context.Context, check PermissionCheck) (bool, error)

// ContextDocumentAccess is the context key under which transports place
// the token's documentAccess list, JSON-encoded.
const ContextDocumentAccess = "documentAccess"

// ClaimsChecker returns a checker evaluating the documentAccess patterns
// carried in the message context by a verified token.
func ClaimsChecker() PermissionChecker {
	return func(ctx context.Context, check PermissionCheck) (bool, error) {
		var raw, ok = check.Context[ContextDocumentAccess]
		if !ok {
			return false, nil
		}
		var access []auth.AccessEntry
		if err := json.Unmarshal([]byte(raw), &access); err != nil {
			return false, fmt.Errorf("decoding documentAccess claim: %w", err)
		}
		return auth.Check(&auth.Claims{DocumentAccess: access}, check.DocumentID, check.Type), nil
	}
}

// gateDecision classifies a message at the permission gate.
type gateDecision int

const (
	gateAllow gateDecision = iota // Bypasses the checker.
	gateRead                      // Requires "read".
	gateWrite                     // Requires "write".
	gateDrop                      // Never forwarded.
)

// methodPermissions gates RPC requests by method name. Methods not
// listed bypass the checker.
var methodPermissions = map[string]gateDecision{
	"milestoneList":       gateRead,
	"milestoneGet":        gateRead,
	"milestoneCreate":     gateWrite,
	"milestoneUpdateName": gateWrite,
	"milestoneDelete":     gateWrite,
	"milestoneRestore":    gateWrite,
}

// classify maps a message's payload kind to its gate decision, per the
// protocol's permission table. Awareness, acks, and file traffic bypass
// the checker; inbound auth-messages are server-originated denials and
// are never forwarded.
func classify(msg *message.Message) gateDecision {
	switch msg.Type {
	case message.TypeDoc:
		switch msg.Doc.Kind {
		case message.DocSyncStep1, message.DocSyncDone:
			return gateRead
		case message.DocSyncStep2, message.DocUpdate:
			return gateWrite
		case message.DocAuthMessage:
			return gateDrop
		}
	case message.TypeRPC:
		if msg.RPC.Direction == message.RPCRequest {
			if decision, ok := methodPermissions[msg.RPC.Method]; ok {
				return decision
			}
		}
	}
	return gateAllow
}

func (d gateDecision) permission() auth.Permission {
	if d == gateWrite {
		return auth.PermissionWrite
	}
	return auth.PermissionRead
}
