package github

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/go-github/v60/github"

	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
	"github.com/relicta-tech/promoter/internal/domain/promotion/ports"
	rperrors "github.com/relicta-tech/promoter/internal/errors"
)

// Deployment status states used by the notifier.
const (
	statePending  = "pending"
	stateProgress = "in_progress"
	stateFailure  = "failure"
	stateInactive = "inactive"
)

// Notifier announces approval gates as GitHub deployments. A pending gate
// creates a deployment for the release tag in the stage's environment; the
// decision is posted as a deployment status on it.
type Notifier struct {
	client *Client

	mu          sync.Mutex
	deployments map[string]int64
}

var _ ports.Notifier = (*Notifier)(nil)

// NewNotifier creates a deployment notifier over client.
func NewNotifier(client *Client) *Notifier {
	return &Notifier{client: client, deployments: make(map[string]int64)}
}

func gateKey(p domain.PendingApproval) string {
	return p.RunID + "/" + p.Stage
}

// GatePending creates the deployment and marks it pending.
func (n *Notifier) GatePending(ctx context.Context, p domain.PendingApproval) error {
	pairs := make([]string, 0, len(p.Pairs))
	for _, k := range p.Pairs {
		pairs = append(pairs, k.String())
	}
	req := &github.DeploymentRequest{
		Ref:                   github.String(p.ReleaseTag),
		Task:                  github.String("deploy:" + p.Stage),
		AutoMerge:             github.Bool(false),
		RequiredContexts:      &[]string{},
		Environment:           github.String(p.Stage),
		Description:           github.String(fmt.Sprintf("Run %s awaiting approval", p.RunID)),
		ProductionEnvironment: github.Bool(p.Stage == string(domain.TargetProd)),
		Payload: map[string]any{
			"run_id": p.RunID,
			"pairs":  pairs,
		},
	}
	dep, err := execute(ctx, n.client.res, func(ctx context.Context) (*github.Deployment, error) {
		d, _, err := n.client.gh.Repositories.CreateDeployment(ctx, n.client.owner, n.client.repo, req)
		return d, err
	})
	if err != nil {
		return rperrors.NetworkWrap(rperrors.RedactError(err), "github.GatePending", "create deployment")
	}

	n.mu.Lock()
	n.deployments[gateKey(p)] = dep.GetID()
	n.mu.Unlock()

	desc := "Waiting for approval of " + strings.Join(pairs, ", ")
	return n.status(ctx, dep.GetID(), statePending, desc, "github.GatePending")
}

// GateResolved posts the decision on the gate's deployment.
func (n *Notifier) GateResolved(ctx context.Context, p domain.PendingApproval, s domain.Signal) error {
	n.mu.Lock()
	id, ok := n.deployments[gateKey(p)]
	delete(n.deployments, gateKey(p))
	n.mu.Unlock()
	if !ok {
		return rperrors.State("github.GateResolved", "no deployment recorded for run "+p.RunID)
	}

	state := stateInactive
	switch s.Decision {
	case domain.DecisionApproved:
		state = stateProgress
	case domain.DecisionRejected:
		state = stateFailure
	}
	desc := string(s.Decision)
	if s.Reviewer != "" {
		desc += " by " + s.Reviewer
	}
	if s.Reason != "" {
		desc += ": " + s.Reason
	}
	return n.status(ctx, id, state, truncate(desc, 140), "github.GateResolved")
}

func (n *Notifier) status(ctx context.Context, id int64, state, desc, op string) error {
	req := &github.DeploymentStatusRequest{
		State:       github.String(state),
		Description: github.String(desc),
	}
	_, err := execute(ctx, n.client.res, func(ctx context.Context) (*github.DeploymentStatus, error) {
		ds, _, err := n.client.gh.Repositories.CreateDeploymentStatus(ctx, n.client.owner, n.client.repo, id, req)
		return ds, err
	})
	if err != nil {
		return rperrors.NetworkWrap(rperrors.RedactError(err), op, "create deployment status")
	}
	return nil
}

// truncate keeps descriptions within the deployment status limit.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
