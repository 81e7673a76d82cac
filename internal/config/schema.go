// Package config provides configuration management for promoter.
package config

import (
	"time"
)

// Foundation modes.
const (
	ModeSingle = "single"
	ModeDual   = "dual"
)

// Ledger backends.
const (
	LedgerSQLite = "sqlite"
	LedgerFile   = "file"
	LedgerMemory = "memory"
)

// Config is the root configuration for promoter.
type Config struct {
	// Mode is "single" (one foundation, dev and prod spaces) or "dual"
	// (separate nonprod and prod foundations). Inferred when empty.
	Mode string `mapstructure:"mode" json:"mode"`
	// Upstream configures where releases are published.
	Upstream UpstreamConfig `mapstructure:"upstream" json:"upstream"`
	// Applications lists the deployable applications, at most two.
	Applications []ApplicationConfig `mapstructure:"applications" json:"applications"`
	// Foundations configures the target platform installations.
	Foundations FoundationsConfig `mapstructure:"foundations" json:"foundations"`
	// Routes are the production-facing routes of the first application in
	// dual mode.
	Routes RoutesConfig `mapstructure:"routes" json:"routes"`
	// Approval configures the approval gate.
	Approval ApprovalConfig `mapstructure:"approval" json:"approval"`
	// Health configures post-deploy health checking.
	Health HealthConfig `mapstructure:"health" json:"health"`
	// Ledger configures the version ledger.
	Ledger LedgerConfig `mapstructure:"ledger" json:"ledger"`
	// State configures local working directories.
	State StateConfig `mapstructure:"state" json:"state"`
	// Runner configures run execution.
	Runner RunnerConfig `mapstructure:"runner" json:"runner"`
	// Server configures the HTTP API.
	Server ServerConfig `mapstructure:"server" json:"server"`
	// Output configures logging and output.
	Output OutputConfig `mapstructure:"output" json:"output"`
}

// UpstreamConfig identifies the upstream repository.
type UpstreamConfig struct {
	// Repository is "owner/name" (APP_UPSTREAM_REPO).
	Repository string `mapstructure:"repository" json:"repository"`
	// Host is a GitHub Enterprise host name (GHE_HOST); empty means github.com.
	Host string `mapstructure:"host" json:"host,omitempty"`
	// Token authenticates API calls (GHE_TOKEN).
	Token string `mapstructure:"token" json:"-"`
	// RateLimitRPM caps API requests per minute.
	RateLimitRPM int `mapstructure:"rate_limit_rpm" json:"rate_limit_rpm"`
	// RetryAttempts bounds retries of failed API calls.
	RetryAttempts int `mapstructure:"retry_attempts" json:"retry_attempts"`
}

// APIURL returns the REST endpoint of the configured host, or "" for
// github.com.
func (u UpstreamConfig) APIURL() string {
	if u.Host == "" || u.Host == "github.com" {
		return ""
	}
	return "https://" + u.Host + "/api/v3/"
}

// ApplicationConfig defines one deployable application.
type ApplicationConfig struct {
	Name string `mapstructure:"name" json:"name"`
	// ManifestPath is the deployment manifest, taken from the release when it
	// ships one with the same file name.
	ManifestPath string `mapstructure:"manifest_path" json:"manifest_path"`
	// ArtifactPattern names the release asset; {version} is substituted.
	ArtifactPattern string `mapstructure:"artifact_pattern" json:"artifact_pattern"`
	// Routes per target kind. Bare hostnames are qualified with the target
	// domain.
	Routes AppRoutes `mapstructure:"routes" json:"routes"`
}

// AppRoutes holds one route per target kind.
type AppRoutes struct {
	Dev     string `mapstructure:"dev" json:"dev,omitempty"`
	Nonprod string `mapstructure:"nonprod" json:"nonprod,omitempty"`
	Prod    string `mapstructure:"prod" json:"prod,omitempty"`
}

// FoundationsConfig holds both foundation families; only the one selected
// by Mode is used.
type FoundationsConfig struct {
	Single  SingleFoundation `mapstructure:"single" json:"single"`
	Nonprod FoundationConfig `mapstructure:"nonprod" json:"nonprod"`
	Prod    FoundationConfig `mapstructure:"prod" json:"prod"`
}

// Credentials authenticate against a foundation.
type Credentials struct {
	API               string `mapstructure:"api" json:"api"`
	Username          string `mapstructure:"username" json:"username"`
	Password          string `mapstructure:"password" json:"-"`
	SkipSSLValidation bool   `mapstructure:"skip_ssl_validation" json:"skip_ssl_validation,omitempty"`
}

// SingleFoundation is one foundation with a dev and a prod space.
type SingleFoundation struct {
	Credentials `mapstructure:",squash"`
	Org         string `mapstructure:"org" json:"org"`
	DevSpace    string `mapstructure:"dev_space" json:"dev_space"`
	ProdSpace   string `mapstructure:"prod_space" json:"prod_space"`
	Domain      string `mapstructure:"domain" json:"domain,omitempty"`
	// Strategy is "redeploy" (default) or "blue-green".
	Strategy string `mapstructure:"strategy" json:"strategy,omitempty"`
}

// FoundationConfig is one foundation of the dual family.
type FoundationConfig struct {
	Credentials `mapstructure:",squash"`
	Org         string `mapstructure:"org" json:"org"`
	Space       string `mapstructure:"space" json:"space"`
	Domain      string `mapstructure:"domain" json:"domain,omitempty"`
	// Strategy is "blue-green" (default) or "redeploy".
	Strategy string `mapstructure:"strategy" json:"strategy,omitempty"`
}

// RoutesConfig holds APP_ROUTE_NONPROD and APP_ROUTE_PROD.
type RoutesConfig struct {
	Nonprod string `mapstructure:"nonprod" json:"nonprod,omitempty"`
	Prod    string `mapstructure:"prod" json:"prod,omitempty"`
}

// ApprovalConfig configures the approval gate.
type ApprovalConfig struct {
	// Reviewers may approve or reject; empty allows anyone.
	Reviewers []string `mapstructure:"reviewers" json:"reviewers,omitempty"`
	// Notifier is "auto" (GitHub deployments when a token is set), "github"
	// or "log".
	Notifier string `mapstructure:"notifier" json:"notifier"`
	// Webhooks additionally receive every gate event.
	Webhooks []WebhookConfig `mapstructure:"webhooks" json:"webhooks,omitempty"`
}

// WebhookConfig configures an endpoint notified of approval gate events.
type WebhookConfig struct {
	Name string `mapstructure:"name" json:"name"`
	URL  string `mapstructure:"url" json:"url"`
	// Secret signs payloads; the signature is sent in X-Promoter-Signature.
	Secret string `mapstructure:"secret" json:"-"`
	// Events to send (gate.pending, gate.resolved); empty sends all and
	// "gate.*" matches both.
	Events     []string          `mapstructure:"events" json:"events,omitempty"`
	Headers    map[string]string `mapstructure:"headers" json:"headers,omitempty"`
	Timeout    time.Duration     `mapstructure:"timeout" json:"timeout,omitempty"`
	RetryCount int               `mapstructure:"retry_count" json:"retry_count,omitempty"`
	RetryDelay time.Duration     `mapstructure:"retry_delay" json:"retry_delay,omitempty"`
}

// HealthConfig configures post-deploy health checking.
type HealthConfig struct {
	Consecutive  int           `mapstructure:"consecutive" json:"consecutive"`
	MaxAttempts  int           `mapstructure:"max_attempts" json:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay" json:"max_delay"`
	Deadline     time.Duration `mapstructure:"deadline" json:"deadline"`
}

// LedgerConfig selects the ledger backend.
type LedgerConfig struct {
	Backend string `mapstructure:"backend" json:"backend"`
	// Path is the SQLite database file or the file ledger directory.
	// Defaults to a location under the state directory.
	Path string `mapstructure:"path" json:"path,omitempty"`
}

// StateConfig configures local directories.
type StateConfig struct {
	Dir string `mapstructure:"dir" json:"dir"`
}

// RunnerConfig configures run execution.
type RunnerConfig struct {
	MaxParallel int `mapstructure:"max_parallel" json:"max_parallel"`
	// Retain is the number of finished runs kept for status queries.
	Retain int `mapstructure:"retain" json:"retain"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Address to listen on; empty disables the server for `run`.
	Address string `mapstructure:"address" json:"address,omitempty"`
	// Token is the bearer token required on API routes when set. Callers
	// using it name themselves, so reviewer identity is asserted.
	Token string `mapstructure:"token" json:"-"`
	// ReviewerTokens maps a reviewer identity to a personal bearer token.
	// When set, gate decisions are only accepted with one of these tokens
	// and the reviewer is the token's owner.
	ReviewerTokens  map[string]string `mapstructure:"reviewer_tokens" json:"-"`
	AllowedOrigins  []string          `mapstructure:"allowed_origins" json:"allowed_origins,omitempty"`
	ShutdownTimeout time.Duration     `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
	// RequestsPerMinute caps API requests per client; zero disables it.
	RequestsPerMinute int `mapstructure:"requests_per_minute" json:"requests_per_minute"`
}

// OutputConfig configures logging and output.
type OutputConfig struct {
	// Format is "text" or "json".
	Format   string `mapstructure:"format" json:"format"`
	LogLevel string `mapstructure:"log_level" json:"log_level"`
	LogFile  string `mapstructure:"log_file" json:"log_file,omitempty"`
	Color    bool   `mapstructure:"color" json:"color"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Upstream: UpstreamConfig{
			RateLimitRPM:  120,
			RetryAttempts: 3,
		},
		Approval: ApprovalConfig{
			Notifier: "auto",
		},
		Health: HealthConfig{
			Consecutive:  3,
			MaxAttempts:  20,
			InitialDelay: 2 * time.Second,
			MaxDelay:     30 * time.Second,
			Deadline:     5 * time.Minute,
		},
		Ledger: LedgerConfig{
			Backend: LedgerSQLite,
		},
		State: StateConfig{
			Dir: ".promoter",
		},
		Runner: RunnerConfig{
			MaxParallel: 4,
			Retain:      100,
		},
		Server: ServerConfig{
			ShutdownTimeout:   30 * time.Second,
			RequestsPerMinute: 600,
		},
		Output: OutputConfig{
			Format:   "text",
			LogLevel: "info",
			Color:    true,
		},
	}
}

// ConfigFileNames to search for.
var ConfigFileNames = []string{
	"promoter",
	".promoter",
}

// ConfigFileExtensions supported by Viper.
var ConfigFileExtensions = []string{
	"yaml",
	"yml",
	"json",
	"toml",
}
