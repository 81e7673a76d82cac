package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/relicta-tech/promoter/internal/container"
	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
	"github.com/relicta-tech/promoter/internal/domain/promotion/ports"
	"github.com/relicta-tech/promoter/internal/httpserver/dto"
)

func TestMain(m *testing.M) {
	logger.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// stubSource serves one release and fabricates artifacts.
type stubSource struct {
	release domain.Release
}

func (s stubSource) Latest(context.Context) (domain.Release, error) { return s.release, nil }

func (s stubSource) ByTag(_ context.Context, tag string) (domain.Release, error) {
	if tag != s.release.Tag() {
		return domain.Release{}, fmt.Errorf("release %s not found", tag)
	}
	return s.release, nil
}

func (s stubSource) Fetch(_ context.Context, _ domain.Release, app domain.ApplicationDefinition, dir string) (ports.LocalArtifact, error) {
	return ports.LocalArtifact{
		Application:  app.Name,
		ArtifactPath: filepath.Join(dir, app.Name+".jar"),
		ManifestPath: filepath.Join(dir, "manifest.yml"),
	}, nil
}

// stubPlatform accepts every operation and reports instances healthy.
type stubPlatform struct {
	mu     sync.Mutex
	pushes []string
}

func (p *stubPlatform) Push(_ context.Context, target domain.DeploymentTarget, req ports.PushRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes = append(p.pushes, req.InstanceName+"@"+target.Name())
	return nil
}

func (p *stubPlatform) QueryHealth(context.Context, domain.DeploymentTarget, string) (ports.HealthStatus, error) {
	return ports.HealthHealthy, nil
}

func (p *stubPlatform) MapRoute(context.Context, domain.DeploymentTarget, string, string) error {
	return nil
}

func (p *stubPlatform) UnmapRoute(context.Context, domain.DeploymentTarget, string, string) error {
	return nil
}

func (p *stubPlatform) StopInstance(context.Context, domain.DeploymentTarget, string) error {
	return nil
}

func (p *stubPlatform) DeleteInstance(context.Context, domain.DeploymentTarget, string) error {
	return nil
}

func (p *stubPlatform) FindInstance(context.Context, domain.DeploymentTarget, string) (domain.Instance, bool, error) {
	return domain.Instance{}, false, nil
}

func (p *stubPlatform) pushCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pushes)
}

const testConfigYAML = `mode: single
upstream:
  repository: acme/payments
applications:
  - name: payments
    manifest_path: manifest.yml
    artifact_pattern: payments-{version}.jar
foundations:
  single:
    api: https://api.cf.example.com
    username: deployer
    password: secret
    org: acme
    dev_space: dev
    prod_space: prod
approval:
  notifier: log
health:
  consecutive: 1
  max_attempts: 3
  initial_delay: 1ms
  max_delay: 2ms
  deadline: 5s
ledger:
  backend: %s
state:
  dir: %s
output:
  color: false
`

type testEnv struct {
	configPath string
	platform   *stubPlatform
}

// setupEnv writes a config file and routes the container to stubs.
func setupEnv(t *testing.T, backend string) *testEnv {
	t.Helper()
	for _, name := range []string{
		"APP_NAME", "APP1_NAME", "APP2_NAME", "APP_UPSTREAM_REPO",
		"CF_API", "CF_NONPROD_API", "CF_PROD_API", "CF_ORG", "CF_USERNAME", "CF_PASSWORD",
		"GHE_TOKEN", "GITHUB_TOKEN", "GH_TOKEN", "PROMOTER_SERVER_URL", "PROMOTER_SERVER_TOKEN",
	} {
		t.Setenv(name, "")
	}
	t.Setenv("PROMOTER_USER", "alice")

	dir := t.TempDir()
	path := filepath.Join(dir, "promoter.yaml")
	content := fmt.Sprintf(testConfigYAML, backend, filepath.Join(dir, "state"))
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	env := &testEnv{configPath: path, platform: &stubPlatform{}}
	src := stubSource{release: domain.NewRelease("v1.2.0", nil, nil, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))}
	containerOptions = []container.Option{
		container.WithReleaseSource(src, src),
		container.WithPlatform(env.platform),
	}
	t.Cleanup(func() {
		containerOptions = nil
		cfg = nil
	})
	return env
}

func executeCommand(t *testing.T, stdin string, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	err = root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestVersionCommand(t *testing.T) {
	SetVersionInfo("1.0.0", "abc123", "2026-01-01")
	out, _, err := executeCommand(t, "", "version", "--verbose")
	if err != nil {
		t.Fatalf("version returned error: %v", err)
	}
	if !strings.Contains(out, "promoter 1.0.0") {
		t.Errorf("output = %q, want version line", out)
	}
	if !strings.Contains(out, "commit: abc123") {
		t.Errorf("output = %q, want commit line with --verbose", out)
	}
}

func TestRootCommand_Silences(t *testing.T) {
	root := newRootCmd()
	if !root.SilenceUsage {
		t.Error("root SilenceUsage should be true")
	}
	if !root.SilenceErrors {
		t.Error("root SilenceErrors should be true")
	}
}

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"run", "check", "plan", "ledger", "serve", "approve", "reject", "cancel", "pending", "version"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestInvalidConfig(t *testing.T) {
	env := setupEnv(t, "file")
	bad := filepath.Join(filepath.Dir(env.configPath), "bad.yaml")
	if err := os.WriteFile(bad, []byte("mode: single\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, _, err := executeCommand(t, "", "check", "--config", bad)
	if err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Fatalf("check with invalid config: err = %v, want invalid configuration", err)
	}
}

func TestCheck(t *testing.T) {
	env := setupEnv(t, "file")

	out, _, err := executeCommand(t, "", "check", "--config", env.configPath)
	if err != nil {
		t.Fatalf("check returned error: %v", err)
	}
	if !strings.Contains(out, "new release: v1.2.0") {
		t.Errorf("output = %q, want new release", out)
	}
	if !strings.Contains(out, "payments@dev (deployed: none)") {
		t.Errorf("output = %q, want pending pair", out)
	}

	out, _, err = executeCommand(t, "", "check", "--config", env.configPath, "-o", "json")
	if err != nil {
		t.Fatalf("check -o json returned error: %v", err)
	}
	var view planView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if !view.NewRelease || view.ReleaseTag != "v1.2.0" {
		t.Errorf("view = %+v, want new release v1.2.0", view)
	}
	if env.platform.pushCount() != 0 {
		t.Errorf("check pushed %d instances, want 0", env.platform.pushCount())
	}
}

func TestPlan_Formats(t *testing.T) {
	env := setupEnv(t, "file")

	tests := []struct {
		format string
		want   []string
	}{
		{format: "text", want: []string{"Plan for v1.2.0 (single mode)", "Stage dev", "Stage prod [approval required]", "payments -> single/prod (redeploy, pending)"}},
		{format: "yaml", want: []string{"release_tag: v1.2.0", "mode: single", "strategy: redeploy", "gated: true"}},
		{format: "json", want: []string{`"release_tag": "v1.2.0"`, `"space": "dev"`}},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			out, _, err := executeCommand(t, "", "plan", "--config", env.configPath, "--format", tt.format)
			if err != nil {
				t.Fatalf("plan returned error: %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("plan --format %s output = %q, want %q", tt.format, out, w)
				}
			}
		})
	}

	if _, _, err := executeCommand(t, "", "plan", "--config", env.configPath, "--format", "xml"); err == nil {
		t.Error("plan --format xml should fail")
	}
}

func TestPlan_SkipNonprod(t *testing.T) {
	env := setupEnv(t, "file")
	out, _, err := executeCommand(t, "", "plan", "--config", env.configPath, "--skip-nonprod", "--format", "json")
	if err != nil {
		t.Fatalf("plan returned error: %v", err)
	}
	var view planView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(view.Stages) != 1 || view.Stages[0].Name != "prod" {
		t.Errorf("stages = %+v, want only prod", view.Stages)
	}
}

func TestRun_NoApplicationsSelected(t *testing.T) {
	env := setupEnv(t, "file")
	_, _, err := executeCommand(t, "", "run", "--config", env.configPath, "--deploy-app1=false")
	if !errors.Is(err, domain.ErrNoApplications) {
		t.Fatalf("err = %v, want ErrNoApplications", err)
	}
	if env.platform.pushCount() != 0 {
		t.Errorf("pushes = %d, want 0", env.platform.pushCount())
	}
}

func TestRun_ApproveFlag(t *testing.T) {
	env := setupEnv(t, "file")

	out, _, err := executeCommand(t, "", "run", "--config", env.configPath, "--approve")
	if err != nil {
		t.Fatalf("run returned error: %v\n%s", err, out)
	}
	if !strings.Contains(out, "finished: success") {
		t.Errorf("output = %q, want success", out)
	}
	if !strings.Contains(out, "approved by alice") {
		t.Errorf("output = %q, want approval by the operator", out)
	}
	if got := env.platform.pushCount(); got != 2 {
		t.Errorf("pushes = %d, want 2", got)
	}

	out, _, err = executeCommand(t, "", "ledger", "--config", env.configPath, "-o", "json")
	if err != nil {
		t.Fatalf("ledger returned error: %v", err)
	}
	var entries []domain.LedgerEntry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("decode ledger %q: %v", out, err)
	}
	if len(entries) != 2 {
		t.Fatalf("ledger entries = %d, want 2", len(entries))
	}
	for _, e := range entries {
		if e.ReleaseTag != "v1.2.0" {
			t.Errorf("entry %s = %s, want v1.2.0", e.Key, e.ReleaseTag)
		}
	}

	out, _, err = executeCommand(t, "", "check", "--config", env.configPath)
	if err != nil {
		t.Fatalf("check returned error: %v", err)
	}
	if !strings.Contains(out, "up to date: v1.2.0") {
		t.Errorf("check after run = %q, want up to date", out)
	}
}

func TestRun_PromptApproves(t *testing.T) {
	env := setupEnv(t, "file")

	out, errOut, err := executeCommand(t, "yes\n", "run", "--config", env.configPath)
	if err != nil {
		t.Fatalf("run returned error: %v", err)
	}
	if !strings.Contains(errOut, "Promote v1.2.0 to prod (payments@prod)? [y/N]") {
		t.Errorf("stderr = %q, want prompt", errOut)
	}
	if !strings.Contains(out, "finished: success") {
		t.Errorf("output = %q, want success", out)
	}
}

func TestRun_PromptRejects(t *testing.T) {
	env := setupEnv(t, "file")

	out, _, err := executeCommand(t, "n\n", "run", "--config", env.configPath)
	var rse *RunStatusError
	if !errors.As(err, &rse) {
		t.Fatalf("err = %v, want RunStatusError", err)
	}
	if rse.Status != domain.RunRejected {
		t.Errorf("status = %s, want %s", rse.Status, domain.RunRejected)
	}
	if ExitCode(err) != ExitRejected {
		t.Errorf("ExitCode() = %d, want %d", ExitCode(err), ExitRejected)
	}
	if got := env.platform.pushCount(); got != 1 {
		t.Errorf("pushes = %d, want 1 (dev only)", got)
	}
	if !strings.Contains(out, "payments@prod") || !strings.Contains(out, "not_started") {
		t.Errorf("output = %q, want prod not started", out)
	}
}

func TestRun_NoPromptInput(t *testing.T) {
	env := setupEnv(t, "file")

	_, _, err := executeCommand(t, "", "run", "--config", env.configPath)
	var rse *RunStatusError
	if !errors.As(err, &rse) || rse.Status != domain.RunCancelled {
		t.Fatalf("err = %v, want cancelled run", err)
	}
}

func TestRun_JSONOutput(t *testing.T) {
	env := setupEnv(t, "memory")

	out, _, err := executeCommand(t, "", "run", "--config", env.configPath, "--approve", "-o", "json")
	if err != nil {
		t.Fatalf("run returned error: %v", err)
	}
	var summary domain.RunSummary
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("decode summary %q: %v", out, err)
	}
	if summary.Status != domain.RunSuccess || len(summary.Stages) != 2 {
		t.Errorf("summary = %+v, want success over two stages", summary)
	}
}

func TestLedger_Empty(t *testing.T) {
	env := setupEnv(t, "file")
	out, _, err := executeCommand(t, "", "ledger", "--config", env.configPath)
	if err != nil {
		t.Fatalf("ledger returned error: %v", err)
	}
	if !strings.Contains(out, "The ledger is empty.") {
		t.Errorf("output = %q, want empty ledger message", out)
	}
}

func TestLedger_History(t *testing.T) {
	env := setupEnv(t, "sqlite")
	if _, _, err := executeCommand(t, "", "run", "--config", env.configPath, "--approve"); err != nil {
		t.Fatalf("run returned error: %v", err)
	}

	out, _, err := executeCommand(t, "", "ledger", "--config", env.configPath, "--history", "payments@prod")
	if err != nil {
		t.Fatalf("ledger --history returned error: %v", err)
	}
	if !strings.Contains(out, "History of payments@prod") || !strings.Contains(out, "v1.2.0") {
		t.Errorf("output = %q, want history row", out)
	}

	if _, _, err := executeCommand(t, "", "ledger", "--config", env.configPath, "--history", "payments"); err == nil {
		t.Error("malformed pair should fail")
	}
}

func TestLedger_HistoryRequiresSQLite(t *testing.T) {
	env := setupEnv(t, "file")
	_, _, err := executeCommand(t, "", "ledger", "--config", env.configPath, "--history", "payments@prod")
	if err == nil || !strings.Contains(err.Error(), "sqlite") {
		t.Fatalf("err = %v, want sqlite requirement", err)
	}
}

func TestDecisionCommands(t *testing.T) {
	env := setupEnv(t, "file")

	type seen struct {
		method, path, auth, user string
		body                     dto.DecisionRequest
	}
	var got seen
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = seen{method: r.Method, path: r.URL.Path, auth: r.Header.Get("Authorization"), user: r.Header.Get("X-Promoter-User")}
		_ = json.NewDecoder(r.Body).Decode(&got.body)
		decision := domain.DecisionApproved
		switch {
		case strings.HasSuffix(r.URL.Path, "/reject"):
			decision = domain.DecisionRejected
		case strings.HasSuffix(r.URL.Path, "/cancel"):
			decision = domain.DecisionCancelled
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(dto.DecisionResponse{RunID: "run-7", Decision: decision, Reviewer: got.user})
	}))
	t.Cleanup(srv.Close)

	tests := []struct {
		cmd      string
		wantPath string
		wantOut  string
	}{
		{cmd: "approve", wantPath: "/api/v1/approvals/run-7/approve", wantOut: "Run run-7 approved by bob"},
		{cmd: "reject", wantPath: "/api/v1/approvals/run-7/reject", wantOut: "Run run-7 rejected by bob"},
		{cmd: "cancel", wantPath: "/api/v1/runs/run-7/cancel", wantOut: "Run run-7 cancelled by bob"},
	}
	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			out, _, err := executeCommand(t, "", tt.cmd, "run-7",
				"--config", env.configPath, "--server", srv.URL+"/", "--token", "s3cret",
				"--reviewer", "bob", "--reason", "looks good")
			if err != nil {
				t.Fatalf("%s returned error: %v", tt.cmd, err)
			}
			if got.method != http.MethodPost || got.path != tt.wantPath {
				t.Errorf("request = %s %s, want POST %s", got.method, got.path, tt.wantPath)
			}
			if got.auth != "Bearer s3cret" {
				t.Errorf("Authorization = %q, want bearer token", got.auth)
			}
			if got.body.Reviewer != "bob" || got.body.Reason != "looks good" {
				t.Errorf("body = %+v, want reviewer and reason", got.body)
			}
			if !strings.Contains(out, tt.wantOut) {
				t.Errorf("output = %q, want %q", out, tt.wantOut)
			}
		})
	}
}

func TestDecisionCommand_ServerError(t *testing.T) {
	env := setupEnv(t, "file")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(dto.ErrorResponse{Error: "failed to deliver decision", Details: "reviewer not allowed"})
	}))
	t.Cleanup(srv.Close)

	_, _, err := executeCommand(t, "", "approve", "run-7", "--config", env.configPath, "--server", srv.URL)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.Status != http.StatusForbidden || !strings.Contains(apiErr.Error(), "reviewer not allowed") {
		t.Errorf("APIError = %v, want 403 with details", apiErr)
	}
}

func TestDecisionCommand_SkipsValidation(t *testing.T) {
	setupEnv(t, "file")
	dir := t.TempDir()
	path := filepath.Join(dir, "client.yaml")
	if err := os.WriteFile(path, []byte("server:\n  token: from-config\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(dto.DecisionResponse{RunID: "run-1", Decision: domain.DecisionApproved, Reviewer: "alice"})
	}))
	t.Cleanup(srv.Close)
	t.Setenv("PROMOTER_SERVER_URL", srv.URL)

	if _, _, err := executeCommand(t, "", "approve", "run-1", "--config", path); err != nil {
		t.Fatalf("approve with client-only config returned error: %v", err)
	}
	if auth != "Bearer from-config" {
		t.Errorf("Authorization = %q, want token from config", auth)
	}
}

func TestPendingCommand(t *testing.T) {
	env := setupEnv(t, "file")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/approvals/pending" {
			http.NotFound(w, r)
			return
		}
		pending := []domain.PendingApproval{{
			RunID:      "run-9",
			ReleaseTag: "v2.0.0",
			Stage:      "prod",
			Pairs:      []domain.PairKey{{Application: "payments", Target: "prod"}},
			Since:      time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
		}}
		_ = json.NewEncoder(w).Encode(dto.ListResponse[domain.PendingApproval]{Data: pending, Total: 1})
	}))
	t.Cleanup(srv.Close)

	out, _, err := executeCommand(t, "", "pending", "--config", env.configPath, "--server", srv.URL)
	if err != nil {
		t.Fatalf("pending returned error: %v", err)
	}
	for _, want := range []string{"run-9", "v2.0.0", "payments@prod"} {
		if !strings.Contains(out, want) {
			t.Errorf("output = %q, want %q", out, want)
		}
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: ExitOK},
		{name: "plain error", err: errors.New("boom"), want: ExitFailed},
		{name: "failed", err: &RunStatusError{Status: domain.RunFailed}, want: ExitFailed},
		{name: "partial", err: &RunStatusError{Status: domain.RunPartialFailure}, want: ExitPartialFailure},
		{name: "rejected", err: &RunStatusError{Status: domain.RunRejected}, want: ExitRejected},
		{name: "cancelled wrapped", err: fmt.Errorf("run: %w", &RunStatusError{Status: domain.RunCancelled}), want: ExitCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPolicyFlags_Positions(t *testing.T) {
	tests := []struct {
		name       string
		app1, app2 bool
		count      int
		want       []int
	}{
		{name: "both of two", app1: true, app2: true, count: 2, want: []int{0, 1}},
		{name: "second only", app1: false, app2: true, count: 2, want: []int{1}},
		{name: "one configured", app1: true, app2: true, count: 1, want: []int{0}},
		{name: "none", app1: false, app2: false, count: 2, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := policyFlags{deployApp1: tt.app1, deployApp2: tt.app2}
			got := p.positions(tt.count)
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("positions(%d) = %v, want %v", tt.count, got, tt.want)
			}
		})
	}
}

func TestParsePairKey(t *testing.T) {
	tests := []struct {
		in      string
		want    domain.PairKey
		wantErr bool
	}{
		{in: "payments@prod", want: domain.PairKey{Application: "payments", Target: "prod"}},
		{in: "payments", wantErr: true},
		{in: "@prod", wantErr: true},
		{in: "payments@", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parsePairKey(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parsePairKey(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parsePairKey(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReadLine(t *testing.T) {
	r := strings.NewReader(" yes \nsecond\n")
	line, err := readLine(r)
	if err != nil || line != "yes" {
		t.Fatalf("readLine() = %q, %v, want %q", line, err, "yes")
	}
	line, err = readLine(r)
	if err != nil || line != "second" {
		t.Fatalf("readLine() = %q, %v, want %q", line, err, "second")
	}
	line, err = readLine(r)
	if !errors.Is(err, io.EOF) || line != "" {
		t.Fatalf("readLine() at EOF = %q, %v", line, err)
	}
}

func TestResolveDisplayAddress(t *testing.T) {
	if got := resolveDisplayAddress(":8080"); got != "localhost:8080" {
		t.Errorf("resolveDisplayAddress(:8080) = %q", got)
	}
	if got := resolveDisplayAddress("10.0.0.1:9000"); got != "10.0.0.1:9000" {
		t.Errorf("resolveDisplayAddress(10.0.0.1:9000) = %q", got)
	}
}
