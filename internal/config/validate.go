package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
	rperrors "github.com/relicta-tech/promoter/internal/errors"
)

// MaxApplications is the number of positional applications supported.
const MaxApplications = 2

// ValidationError contains all validation errors and warnings.
type ValidationError struct {
	Errors   []string
	Warnings []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	var parts []string

	if len(e.Errors) > 0 {
		parts = append(parts, fmt.Sprintf("Errors:\n  - %s", strings.Join(e.Errors, "\n  - ")))
	}

	if len(e.Warnings) > 0 {
		parts = append(parts, fmt.Sprintf("Warnings:\n  - %s", strings.Join(e.Warnings, "\n  - ")))
	}

	return fmt.Sprintf("configuration validation failed:\n%s", strings.Join(parts, "\n"))
}

// HasErrors returns true if there are validation errors.
func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

// HasWarnings returns true if there are validation warnings.
func (e *ValidationError) HasWarnings() bool {
	return len(e.Warnings) > 0
}

// Addf adds a formatted error to the validation error.
func (e *ValidationError) Addf(format string, args ...any) {
	e.Errors = append(e.Errors, fmt.Sprintf(format, args...))
}

// Warnf adds a formatted warning to the validation error.
func (e *ValidationError) Warnf(format string, args ...any) {
	e.Warnings = append(e.Warnings, fmt.Sprintf(format, args...))
}

// Validator validates configuration.
type Validator struct {
	errors *ValidationError
	logger *slog.Logger
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: &ValidationError{},
		logger: slog.Default(),
	}
}

// Result returns the collected errors and warnings.
func (v *Validator) Result() *ValidationError {
	return v.errors
}

// Validate validates the configuration. Warnings are logged; errors are
// returned as a single validation error listing every problem.
func (v *Validator) Validate(cfg *Config) error {
	v.validateMode(cfg)
	v.validateUpstream(cfg.Upstream)
	v.validateApplications(cfg)
	v.validateFoundations(cfg)
	v.validateApproval(cfg)
	v.validateHealth(cfg.Health)
	v.validateLedger(cfg.Ledger)
	v.validateRunner(cfg.Runner)
	v.validateServer(cfg.Server)
	v.validateOutput(cfg.Output)

	for _, warning := range v.errors.Warnings {
		v.logger.Warn("configuration warning", "detail", warning)
	}

	if v.errors.HasErrors() {
		return rperrors.Validation("config.Validate", v.errors.Error())
	}

	return nil
}

func (v *Validator) validateMode(cfg *Config) {
	switch cfg.Mode {
	case ModeSingle, ModeDual:
	case "":
		v.errors.Addf("mode: no foundation configured (set CF_API for single mode or CF_NONPROD_API and CF_PROD_API for dual mode)")
	default:
		v.errors.Addf("mode: must be one of %v, got %q", []string{ModeSingle, ModeDual}, cfg.Mode)
	}
}

func (v *Validator) validateUpstream(cfg UpstreamConfig) {
	owner, name, ok := strings.Cut(cfg.Repository, "/")
	if cfg.Repository == "" {
		v.errors.Addf("upstream.repository: required (APP_UPSTREAM_REPO)")
	} else if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		v.errors.Addf("upstream.repository: must be owner/name, got %q", cfg.Repository)
	}

	if cfg.Host != "" {
		if _, err := url.Parse("https://" + cfg.Host); err != nil || strings.Contains(cfg.Host, "/") {
			v.errors.Addf("upstream.host: must be a host name, got %q", cfg.Host)
		}
	}
	if cfg.Token == "" {
		v.errors.Warnf("upstream.token: not set, requests are anonymous and heavily rate limited")
	}
	if cfg.RateLimitRPM < 0 {
		v.errors.Addf("upstream.rate_limit_rpm: must be non-negative, got %d", cfg.RateLimitRPM)
	}
	if cfg.RetryAttempts < 0 {
		v.errors.Addf("upstream.retry_attempts: must be non-negative, got %d", cfg.RetryAttempts)
	}
}

func (v *Validator) validateApplications(cfg *Config) {
	if len(cfg.Applications) == 0 {
		v.errors.Addf("applications: at least one application is required (APP_NAME or APP1_NAME)")
		return
	}
	if len(cfg.Applications) > MaxApplications {
		v.errors.Addf("applications: at most %d applications are supported, got %d", MaxApplications, len(cfg.Applications))
	}

	seen := make(map[string]bool)
	for i, app := range cfg.Applications {
		if app.Name == "" {
			v.errors.Addf("applications[%d].name: required", i)
			continue
		}
		if seen[app.Name] {
			v.errors.Addf("applications[%d].name: duplicate application name %q", i, app.Name)
		}
		seen[app.Name] = true

		if app.ManifestPath == "" {
			v.errors.Addf("applications[%d].manifest_path: required", i)
		}
		if app.ArtifactPattern == "" {
			v.errors.Addf("applications[%d].artifact_pattern: required", i)
		} else if !strings.Contains(app.ArtifactPattern, domain.VersionPlaceholder) && !strings.Contains(app.ArtifactPattern, "{tag}") {
			v.errors.Addf("applications[%d].artifact_pattern: must contain %s, got %q", i, domain.VersionPlaceholder, app.ArtifactPattern)
		}
	}
}

func (v *Validator) validateFoundations(cfg *Config) {
	switch cfg.Mode {
	case ModeSingle:
		f := cfg.Foundations.Single
		v.requireCredentials("foundations.single", f.Credentials, "CF_")
		if f.Org == "" {
			v.errors.Addf("foundations.single.org: required (CF_ORG)")
		}
		if f.DevSpace == "" {
			v.errors.Addf("foundations.single.dev_space: required (CF_DEV_SPACE)")
		}
		if f.ProdSpace == "" {
			v.errors.Addf("foundations.single.prod_space: required (CF_PROD_SPACE)")
		}
		if f.DevSpace != "" && f.DevSpace == f.ProdSpace {
			v.errors.Warnf("foundations.single: dev_space and prod_space are both %q", f.DevSpace)
		}
		strategy := v.strategy("foundations.single.strategy", f.Strategy, domain.StrategyRedeploy)
		if strategy == domain.StrategyBlueGreen {
			v.requireRoutes(cfg, domain.TargetDev, domain.TargetProd)
		}
	case ModeDual:
		for _, fam := range []struct {
			key    string
			env    string
			kind   domain.TargetKind
			config FoundationConfig
		}{
			{"foundations.nonprod", "CF_NONPROD_", domain.TargetNonprod, cfg.Foundations.Nonprod},
			{"foundations.prod", "CF_PROD_", domain.TargetProd, cfg.Foundations.Prod},
		} {
			v.requireCredentials(fam.key, fam.config.Credentials, fam.env)
			if fam.config.Org == "" {
				v.errors.Addf("%s.org: required (%sORG)", fam.key, fam.env)
			}
			if fam.config.Space == "" {
				v.errors.Addf("%s.space: required (%sSPACE)", fam.key, fam.env)
			}
			if v.strategy(fam.key+".strategy", fam.config.Strategy, domain.StrategyBlueGreen) == domain.StrategyBlueGreen {
				v.requireRoutes(cfg, fam.kind)
			}
		}
	}
}

func (v *Validator) requireCredentials(key string, c Credentials, env string) {
	if c.API == "" {
		v.errors.Addf("%s.api: required (%sAPI)", key, env)
	} else if u, err := url.Parse(c.API); err != nil || u.Scheme == "" || u.Host == "" {
		v.errors.Addf("%s.api: invalid URL: %s", key, c.API)
	}
	if c.Username == "" {
		v.errors.Addf("%s.username: required (%sUSERNAME)", key, env)
	}
	if c.Password == "" {
		v.errors.Addf("%s.password: required (%sPASSWORD)", key, env)
	}
	if c.SkipSSLValidation {
		v.errors.Warnf("%s.skip_ssl_validation: TLS certificates are not verified", key)
	}
}

func (v *Validator) strategy(key, value string, fallback domain.Strategy) domain.Strategy {
	if value == "" {
		return fallback
	}
	s := domain.Strategy(value)
	if !s.IsValid() {
		v.errors.Addf("%s: must be one of %v, got %q", key, []domain.Strategy{domain.StrategyBlueGreen, domain.StrategyRedeploy}, value)
		return fallback
	}
	return s
}

// requireRoutes checks that every application has a route on each
// blue-green target kind; the cutover has nothing to switch without one.
func (v *Validator) requireRoutes(cfg *Config, kinds ...domain.TargetKind) {
	for i, app := range cfg.Applications {
		for _, kind := range kinds {
			if app.Routes.For(kind) == "" {
				v.errors.Addf("applications[%d].routes.%s: required for blue-green deployment of %q", i, kind, app.Name)
			}
		}
	}
}

func (v *Validator) validateApproval(cfg *Config) {
	validNotifiers := []string{"auto", "github", "log"}
	if !slices.Contains(validNotifiers, cfg.Approval.Notifier) {
		v.errors.Addf("approval.notifier: must be one of %v, got %q", validNotifiers, cfg.Approval.Notifier)
	}
	if cfg.Approval.Notifier == "github" && cfg.Upstream.Token == "" {
		v.errors.Addf("approval.notifier: github requires upstream.token (GHE_TOKEN)")
	}
	for i, wh := range cfg.Approval.Webhooks {
		if u, err := url.Parse(wh.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			v.errors.Addf("approval.webhooks[%d].url: must be an http(s) URL, got %q", i, wh.URL)
		}
		if wh.RetryCount < 0 {
			v.errors.Addf("approval.webhooks[%d].retry_count: must be non-negative, got %d", i, wh.RetryCount)
		}
	}
	if len(cfg.Approval.Reviewers) == 0 {
		v.errors.Warnf("approval.reviewers: not set, any caller may approve production deployments")
	} else if cfg.Server.Address != "" && len(cfg.Server.ReviewerTokens) == 0 {
		v.errors.Warnf("approval.reviewers: API callers name themselves; set server.reviewer_tokens to bind identities to credentials")
	}
}

func (v *Validator) validateHealth(cfg HealthConfig) {
	if cfg.Consecutive < 1 {
		v.errors.Addf("health.consecutive: must be positive, got %d", cfg.Consecutive)
	}
	if cfg.MaxAttempts < 1 {
		v.errors.Addf("health.max_attempts: must be positive, got %d", cfg.MaxAttempts)
	}
	if cfg.Consecutive > cfg.MaxAttempts {
		v.errors.Addf("health.consecutive: %d can never be reached within max_attempts %d", cfg.Consecutive, cfg.MaxAttempts)
	}
	if cfg.InitialDelay <= 0 {
		v.errors.Addf("health.initial_delay: must be positive")
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		v.errors.Addf("health.max_delay: must not be less than initial_delay")
	}
	if cfg.Deadline <= 0 {
		v.errors.Addf("health.deadline: must be positive")
	}
}

func (v *Validator) validateLedger(cfg LedgerConfig) {
	validBackends := []string{LedgerSQLite, LedgerFile, LedgerMemory}
	if !slices.Contains(validBackends, cfg.Backend) {
		v.errors.Addf("ledger.backend: must be one of %v, got %q", validBackends, cfg.Backend)
	}
	if cfg.Backend == LedgerMemory {
		v.errors.Warnf("ledger.backend: memory ledger is lost on exit, every run redeploys")
	}
}

func (v *Validator) validateRunner(cfg RunnerConfig) {
	if cfg.Retain < 0 {
		v.errors.Addf("runner.retain: must not be negative, got %d", cfg.Retain)
	}
	if cfg.MaxParallel < 1 {
		v.errors.Addf("runner.max_parallel: must be positive, got %d", cfg.MaxParallel)
	}
}

func (v *Validator) validateServer(cfg ServerConfig) {
	if cfg.Address != "" && cfg.Token == "" {
		v.errors.Warnf("server.token: not set, the HTTP API accepts unauthenticated requests")
	}
	if cfg.ShutdownTimeout <= 0 {
		v.errors.Addf("server.shutdown_timeout: must be positive")
	}
	if cfg.RequestsPerMinute < 0 {
		v.errors.Addf("server.requests_per_minute: must not be negative")
	}
	seen := make(map[string]string, len(cfg.ReviewerTokens))
	for name, token := range cfg.ReviewerTokens {
		switch {
		case strings.TrimSpace(name) == "":
			v.errors.Addf("server.reviewer_tokens: reviewer name must not be empty")
		case token == "":
			v.errors.Addf("server.reviewer_tokens.%s: token must not be empty", name)
		case token == cfg.Token:
			v.errors.Addf("server.reviewer_tokens.%s: must differ from server.token", name)
		case seen[token] != "":
			v.errors.Addf("server.reviewer_tokens.%s: token already assigned to %s", name, seen[token])
		}
		seen[token] = name
	}
}

// validateOutput validates output configuration.
func (v *Validator) validateOutput(cfg OutputConfig) {
	validFormats := []string{"text", "json"}
	if !slices.Contains(validFormats, cfg.Format) {
		v.errors.Addf("output.format: must be one of %v, got %q", validFormats, cfg.Format)
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLogLevels, cfg.LogLevel) {
		v.errors.Addf("output.log_level: must be one of %v, got %q", validLogLevels, cfg.LogLevel)
	}

	if cfg.LogFile != "" {
		dir := filepath.Dir(cfg.LogFile)
		if dir != "." && dir != "" {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				v.errors.Addf("output.log_file: directory does not exist: %s", dir)
			}
		}
	}
}

// Validate is a convenience function to validate configuration.
func Validate(cfg *Config) error {
	return NewValidator().Validate(cfg)
}

// ValidateAndLoad loads and validates configuration.
func ValidateAndLoad() (*Config, error) {
	cfg, err := NewLoader().Load()
	if err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
