package container

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relicta-tech/promoter/internal/config"
	"github.com/relicta-tech/promoter/internal/domain/promotion/adapters"
	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
	rperrors "github.com/relicta-tech/promoter/internal/errors"
	"github.com/relicta-tech/promoter/internal/infrastructure/github"
	"github.com/relicta-tech/promoter/internal/infrastructure/webhook"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Mode = config.ModeSingle
	cfg.Upstream.Repository = "acme/payments"
	cfg.Applications = []config.ApplicationConfig{{
		Name:            "payments",
		ManifestPath:    "manifest.yml",
		ArtifactPattern: "payments-{version}.jar",
	}}
	cfg.Foundations.Single = config.SingleFoundation{
		Credentials: config.Credentials{API: "https://api.cf.example.com", Username: "deployer", Password: "secret"},
		Org:         "acme",
		DevSpace:    "dev",
		ProdSpace:   "prod",
	}
	cfg.Approval.Notifier = NotifierLog
	cfg.Ledger.Backend = config.LedgerMemory
	cfg.State.Dir = t.TempDir()
	return cfg
}

type recordingCloseable struct {
	name  string
	order *[]string
	mu    *sync.Mutex
	delay time.Duration
	err   error
}

func (r recordingCloseable) Close() error {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.order = append(*r.order, r.name)
	return r.err
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
	assert.True(t, rperrors.IsKind(err, rperrors.KindConfig))
}

func TestInitialize_BuildsGraph(t *testing.T) {
	c, err := NewInitialized(context.Background(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	assert.NotNil(t, c.Runner())
	assert.NotNil(t, c.Planner())
	assert.NotNil(t, c.Detector())
	assert.NotNil(t, c.Gate())
	assert.NotNil(t, c.Metrics())
	assert.IsType(t, &adapters.MemoryLedger{}, c.Ledger())
	assert.IsType(t, &adapters.LogNotifier{}, c.Notifier())
	assert.Nil(t, c.History())
	assert.Nil(t, c.Server(), "no server without an address")
}

func TestInitialize_PlannerUsesConfiguredTargets(t *testing.T) {
	c, err := NewInitialized(context.Background(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	release := domain.NewRelease("v1.0.0", nil, nil, time.Time{})
	plan, err := c.Planner().Plan(release, domain.Policy{Applications: []int{0}})
	require.NoError(t, err)
	require.Len(t, plan.Stages, 2)
	dev := plan.Stages[0].Pairs[0].Target
	prod := plan.Stages[1].Pairs[0].Target
	assert.Equal(t, domain.TargetDev, dev.Kind)
	assert.Equal(t, domain.TargetProd, prod.Kind)
	assert.Equal(t, "dev", dev.Space)
	assert.Equal(t, dev.Foundation.Name, prod.Foundation.Name, "single mode shares one foundation")
	assert.True(t, plan.Stages[1].Gated)
}

func TestInitialize_ServerAddsBroadcaster(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Address = "127.0.0.1:0"

	c, err := NewInitialized(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.NotNil(t, c.Server())
	notifiers, ok := c.Notifier().(adapters.MultiNotifier)
	require.True(t, ok)
	assert.Len(t, notifiers, 2)
}

func TestInitialize_WebhooksJoinFanout(t *testing.T) {
	cfg := testConfig(t)
	cfg.Approval.Webhooks = []config.WebhookConfig{{Name: "ops", URL: "https://hooks.example.com/gate"}}

	c, err := NewInitialized(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	notifiers, ok := c.Notifier().(adapters.MultiNotifier)
	require.True(t, ok)
	require.Len(t, notifiers, 2)
	assert.IsType(t, &webhook.Notifier{}, notifiers[1])
}

func TestInitialize_NotifierSelection(t *testing.T) {
	tests := []struct {
		name     string
		notifier string
		token    string
		want     any
		wantErr  bool
	}{
		{name: "auto without token logs", notifier: NotifierAuto, want: &adapters.LogNotifier{}},
		{name: "auto with token uses deployments", notifier: NotifierAuto, token: "ghp_test", want: &github.Notifier{}},
		{name: "github with token", notifier: NotifierGitHub, token: "ghp_test", want: &github.Notifier{}},
		{name: "github without token", notifier: NotifierGitHub, wantErr: true},
		{name: "unknown", notifier: "pager", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Approval.Notifier = tt.notifier
			cfg.Upstream.Token = tt.token

			c, err := NewInitialized(context.Background(), cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, rperrors.IsKind(err, rperrors.KindConfig))
				return
			}
			require.NoError(t, err)
			t.Cleanup(func() { _ = c.Close() })
			assert.IsType(t, tt.want, c.Notifier())
		})
	}
}

func TestInitialize_SQLiteLedger(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ledger.Backend = config.LedgerSQLite

	c, err := NewInitialized(context.Background(), cfg)
	require.NoError(t, err)

	require.NotNil(t, c.History())
	assert.Same(t, c.History(), c.Ledger())

	entry := domain.LedgerEntry{
		Key:        domain.PairKey{Application: "payments", Target: "dev"},
		ReleaseTag: "v1.0.0",
		RunID:      "run-1",
		DeployedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	ok, err := c.Ledger().CompareAndSet(context.Background(), entry.Key, "", entry)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = os.Stat(cfg.LedgerPath())
	require.NoError(t, err)

	require.NoError(t, c.Close())
	_, err = c.History().List(context.Background())
	assert.Error(t, err, "database is closed with the container")
}

func TestInitialize_FileLedger(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ledger.Backend = config.LedgerFile

	c, err := NewInitialized(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	assert.IsType(t, &adapters.FileLedger{}, c.Ledger())
	assert.Nil(t, c.History())
}

func TestInitialize_UnknownLedger(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ledger.Backend = "etcd"

	_, err := NewInitialized(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "etcd")
}

func TestInitialize_InvalidRepository(t *testing.T) {
	cfg := testConfig(t)
	cfg.Upstream.Repository = "payments"

	_, err := NewInitialized(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, rperrors.IsKind(err, rperrors.KindConfig))
}

func TestInitialize_Twice(t *testing.T) {
	c, err := NewInitialized(context.Background(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	err = c.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, rperrors.IsKind(err, rperrors.KindState))
}

func TestInitialize_AfterClose(t *testing.T) {
	c, err := New(testConfig(t))
	require.NoError(t, err)
	require.NoError(t, c.Close())

	err = c.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, rperrors.IsKind(err, rperrors.KindState))
}

func TestWithClock(t *testing.T) {
	clock := adapters.NewFixedClock(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	c, err := NewInitialized(context.Background(), testConfig(t), WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	assert.Same(t, clock, c.clock)
}

func TestClose_LIFO(t *testing.T) {
	c, err := New(testConfig(t))
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []string
	)
	for _, name := range []string{"first", "second", "third"} {
		c.RegisterCloseable(recordingCloseable{name: name, order: &order, mu: &mu})
	}
	c.RegisterCloseable(nil)

	require.NoError(t, c.Close())
	assert.Equal(t, []string{"third", "second", "first"}, order)

	require.NoError(t, c.Close(), "second close is a no-op")
	assert.Len(t, order, 3)
}

func TestClose_ReturnsFirstError(t *testing.T) {
	c, err := New(testConfig(t))
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []string
	)
	errFirst := errors.New("first failed")
	errLast := errors.New("last failed")
	c.RegisterCloseable(recordingCloseable{name: "a", order: &order, mu: &mu, err: errFirst})
	c.RegisterCloseable(recordingCloseable{name: "b", order: &order, mu: &mu, err: errLast})

	err = c.Close()
	assert.ErrorIs(t, err, errLast)
	assert.Len(t, order, 2)
}

func TestCloseWithTimeout(t *testing.T) {
	c, err := New(testConfig(t))
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []string
	)
	c.RegisterCloseable(recordingCloseable{name: "slow", order: &order, mu: &mu, delay: time.Second})

	err = c.CloseWithTimeout(20 * time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type countingNotifier struct{ pending, resolved int }

func (n *countingNotifier) GatePending(context.Context, domain.PendingApproval) error {
	n.pending++
	return nil
}

func (n *countingNotifier) GateResolved(context.Context, domain.PendingApproval, domain.Signal) error {
	n.resolved++
	return nil
}

func TestWithNotifier_ReceivesGateEvents(t *testing.T) {
	extra := &countingNotifier{}
	c, err := NewInitialized(context.Background(), testConfig(t), WithNotifier(extra))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	pending := domain.PendingApproval{RunID: "run-1", ReleaseTag: "v1.0.0", Stage: "prod"}
	require.NoError(t, c.Gate().Suspend(context.Background(), pending, func(domain.Signal) {}))
	require.NoError(t, c.Gate().Approve("run-1", "alice", "ok"))

	assert.Equal(t, 1, extra.pending)
	assert.Equal(t, 1, extra.resolved)
}
