package websocket

import (
	"context"
	"time"

	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
	"github.com/relicta-tech/promoter/internal/domain/promotion/ports"
)

// Message types sent to clients.
const (
	TypeGatePending  = "gate.pending"
	TypeGateResolved = "gate.resolved"
)

// GateBroadcaster announces approval gate state to connected clients.
type GateBroadcaster struct {
	hub *Hub
}

var _ ports.Notifier = (*GateBroadcaster)(nil)

// NewGateBroadcaster creates a broadcaster on hub.
func NewGateBroadcaster(hub *Hub) *GateBroadcaster {
	return &GateBroadcaster{hub: hub}
}

// GatePending broadcasts a suspended run and keeps it for replay until it
// is resolved.
func (b *GateBroadcaster) GatePending(_ context.Context, p domain.PendingApproval) error {
	b.hub.publish(Message{Type: TypeGatePending, RunID: p.RunID, Payload: p}, &p, false)
	return nil
}

// GateResolved broadcasts the decision taken on a run.
func (b *GateBroadcaster) GateResolved(_ context.Context, p domain.PendingApproval, s domain.Signal) error {
	b.hub.publish(Message{Type: TypeGateResolved, RunID: p.RunID, Payload: map[string]any{
		"run_id":      p.RunID,
		"release_tag": p.ReleaseTag,
		"stage":       p.Stage,
		"decision":    s.Decision,
		"reviewer":    s.Reviewer,
		"reason":      s.Reason,
		"resolved_at": s.At.UTC().Format(time.RFC3339),
	}}, nil, true)
	return nil
}
