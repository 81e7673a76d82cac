package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/viper"

	rperrors "github.com/relicta-tech/promoter/internal/errors"
)

var (
	// envVarPattern matches ${VAR} or ${VAR:-default} syntax
	envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)
	// simpleEnvVarPattern matches $VAR syntax
	simpleEnvVarPattern = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)
)

// envBindings maps configuration keys to the operator-facing environment
// variables. When several names are listed the first non-empty one wins.
var envBindings = []struct {
	key  string
	envs []string
}{
	{"upstream.repository", []string{"APP_UPSTREAM_REPO"}},
	{"upstream.host", []string{"GHE_HOST"}},
	{"upstream.token", []string{"GHE_TOKEN", "GITHUB_TOKEN", "GH_TOKEN"}},

	{"foundations.single.api", []string{"CF_API"}},
	{"foundations.single.username", []string{"CF_USERNAME"}},
	{"foundations.single.password", []string{"CF_PASSWORD"}},
	{"foundations.single.org", []string{"CF_ORG"}},
	{"foundations.single.dev_space", []string{"CF_DEV_SPACE"}},
	{"foundations.single.prod_space", []string{"CF_PROD_SPACE"}},

	{"foundations.nonprod.api", []string{"CF_NONPROD_API"}},
	{"foundations.nonprod.username", []string{"CF_NONPROD_USERNAME"}},
	{"foundations.nonprod.password", []string{"CF_NONPROD_PASSWORD"}},
	{"foundations.nonprod.org", []string{"CF_NONPROD_ORG"}},
	{"foundations.nonprod.space", []string{"CF_NONPROD_SPACE"}},

	{"foundations.prod.api", []string{"CF_PROD_API"}},
	{"foundations.prod.username", []string{"CF_PROD_USERNAME"}},
	{"foundations.prod.password", []string{"CF_PROD_PASSWORD"}},
	{"foundations.prod.org", []string{"CF_PROD_ORG"}},
	{"foundations.prod.space", []string{"CF_PROD_SPACE"}},

	{"routes.nonprod", []string{"APP_ROUTE_NONPROD"}},
	{"routes.prod", []string{"APP_ROUTE_PROD"}},
	{"approval.reviewers", []string{"APPROVAL_REVIEWERS"}},
	{"server.token", []string{"PROMOTER_SERVER_TOKEN"}},
}

// appEnvPrefixes are the positional application variables. APP_ is the
// single-application shorthand; APP1_ and APP2_ describe two applications.
var appEnvPrefixes = [][]string{
	{"APP"},
	{"APP1", "APP2"},
}

// Default application settings used by the APP_NAME shorthand.
const (
	DefaultManifestPath = "manifest.yml"
	defaultPatternExt   = "-{version}.jar"
)

// Loader handles configuration loading and merging.
type Loader struct {
	v           *viper.Viper
	configPath  string
	searchPaths []string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	v := viper.New()
	v.SetEnvPrefix("PROMOTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	return &Loader{
		v:           v,
		searchPaths: []string{"."},
	}
}

// WithConfigPath sets an explicit config file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithSearchPaths adds directories to search for config files.
func (l *Loader) WithSearchPaths(paths ...string) *Loader {
	l.searchPaths = append(l.searchPaths, paths...)
	return l
}

// Load reads defaults, the config file and the environment, in increasing
// order of precedence.
func (l *Loader) Load() (*Config, error) {
	const op = "config.Load"

	l.setDefaults()
	if err := l.bindEnv(); err != nil {
		return nil, rperrors.ConfigWrap(err, op, "failed to bind environment")
	}

	if err := l.loadConfigFile(); err != nil {
		return nil, rperrors.ConfigWrap(err, op, "failed to load config file")
	}

	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, rperrors.ConfigWrap(err, op, "failed to unmarshal config")
	}

	if apps := applicationsFromEnv(); len(apps) > 0 {
		cfg.Applications = apps
	}
	cfg.Approval.Reviewers = splitList(cfg.Approval.Reviewers)
	cfg.Server.AllowedOrigins = splitList(cfg.Server.AllowedOrigins)

	l.expandEnvVars(cfg)
	cfg.inferMode()
	cfg.applyRoutes()

	return cfg, nil
}

// setDefaults sets default values using Viper. Every key needs a default
// for AutomaticEnv to see it during Unmarshal.
func (l *Loader) setDefaults() {
	defaults := DefaultConfig()

	l.v.SetDefault("mode", defaults.Mode)

	l.v.SetDefault("upstream.repository", "")
	l.v.SetDefault("upstream.host", "")
	l.v.SetDefault("upstream.token", "")
	l.v.SetDefault("upstream.rate_limit_rpm", defaults.Upstream.RateLimitRPM)
	l.v.SetDefault("upstream.retry_attempts", defaults.Upstream.RetryAttempts)

	l.v.SetDefault("approval.notifier", defaults.Approval.Notifier)

	l.v.SetDefault("health.consecutive", defaults.Health.Consecutive)
	l.v.SetDefault("health.max_attempts", defaults.Health.MaxAttempts)
	l.v.SetDefault("health.initial_delay", defaults.Health.InitialDelay)
	l.v.SetDefault("health.max_delay", defaults.Health.MaxDelay)
	l.v.SetDefault("health.deadline", defaults.Health.Deadline)

	l.v.SetDefault("ledger.backend", defaults.Ledger.Backend)
	l.v.SetDefault("ledger.path", defaults.Ledger.Path)

	l.v.SetDefault("state.dir", defaults.State.Dir)
	l.v.SetDefault("runner.max_parallel", defaults.Runner.MaxParallel)
	l.v.SetDefault("runner.retain", defaults.Runner.Retain)

	l.v.SetDefault("server.address", defaults.Server.Address)
	l.v.SetDefault("server.shutdown_timeout", defaults.Server.ShutdownTimeout)
	l.v.SetDefault("server.requests_per_minute", defaults.Server.RequestsPerMinute)

	l.v.SetDefault("output.format", defaults.Output.Format)
	l.v.SetDefault("output.log_level", defaults.Output.LogLevel)
	l.v.SetDefault("output.log_file", defaults.Output.LogFile)
	l.v.SetDefault("output.color", defaults.Output.Color)
}

func (l *Loader) bindEnv() error {
	for _, b := range envBindings {
		args := append([]string{b.key}, b.envs...)
		if err := l.v.BindEnv(args...); err != nil {
			return fmt.Errorf("binding %s: %w", b.key, err)
		}
	}
	return nil
}

// configFileExists checks if a config file exists in search paths.
func (l *Loader) configFileExists() bool {
	if l.configPath != "" {
		_, err := os.Stat(l.configPath)
		return err == nil
	}
	_, err := FindConfigFile(l.searchPaths...)
	return err == nil
}

// loadConfigFile loads the configuration file.
func (l *Loader) loadConfigFile() error {
	if l.configPath != "" {
		l.v.SetConfigFile(l.configPath)
		if err := l.v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file %s: %w", l.configPath, err)
		}
		return nil
	}

	if !l.configFileExists() {
		// No config file found - this is OK, the environment may be enough.
		return nil
	}
	configFile, _ := FindConfigFile(l.searchPaths...)
	l.v.SetConfigFile(configFile)
	if err := l.v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config file %s: %w", configFile, err)
	}
	return nil
}

// applicationsFromEnv reads the positional application table. APP1_/APP2_
// take precedence over the APP_ shorthand.
func applicationsFromEnv() []ApplicationConfig {
	for i := len(appEnvPrefixes) - 1; i >= 0; i-- {
		var apps []ApplicationConfig
		for _, prefix := range appEnvPrefixes[i] {
			name := os.Getenv(prefix + "_NAME")
			if name == "" {
				continue
			}
			app := ApplicationConfig{
				Name:            name,
				ManifestPath:    os.Getenv(prefix + "_MANIFEST_PATH"),
				ArtifactPattern: os.Getenv(prefix + "_ARTIFACT_PATTERN"),
			}
			if prefix == "APP" {
				if app.ManifestPath == "" {
					app.ManifestPath = DefaultManifestPath
				}
				if app.ArtifactPattern == "" {
					app.ArtifactPattern = name + defaultPatternExt
				}
			}
			apps = append(apps, app)
		}
		if len(apps) > 0 {
			return apps
		}
	}
	return nil
}

// applyRoutes gives the first application the top-level routes when it has
// none of its own. The nonprod route doubles as the dev route.
func (c *Config) applyRoutes() {
	if len(c.Applications) == 0 {
		return
	}
	first := &c.Applications[0]
	if first.Routes.Dev == "" {
		first.Routes.Dev = c.Routes.Nonprod
	}
	if first.Routes.Nonprod == "" {
		first.Routes.Nonprod = c.Routes.Nonprod
	}
	if first.Routes.Prod == "" {
		first.Routes.Prod = c.Routes.Prod
	}
}

// inferMode picks the foundation family from whichever one is populated.
// Dual wins when both are.
func (c *Config) inferMode() {
	if c.Mode != "" {
		return
	}
	switch {
	case c.Foundations.Nonprod.API != "" || c.Foundations.Prod.API != "":
		c.Mode = ModeDual
	case c.Foundations.Single.API != "":
		c.Mode = ModeSingle
	}
}

// splitList flattens comma-separated entries, which is how list values
// arrive from the environment.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// expandEnvVars expands environment variables in sensitive configuration fields.
func (l *Loader) expandEnvVars(cfg *Config) {
	cfg.Upstream.Token = expandEnvVar(cfg.Upstream.Token)
	cfg.Server.Token = expandEnvVar(cfg.Server.Token)

	cfg.Foundations.Single.Password = expandEnvVar(cfg.Foundations.Single.Password)
	cfg.Foundations.Nonprod.Password = expandEnvVar(cfg.Foundations.Nonprod.Password)
	cfg.Foundations.Prod.Password = expandEnvVar(cfg.Foundations.Prod.Password)

	cfg.Ledger.Path = expandEnvVar(cfg.Ledger.Path)
	cfg.State.Dir = expandEnvVar(cfg.State.Dir)
	cfg.Output.LogFile = expandEnvVar(cfg.Output.LogFile)
}

// expandEnvVar expands environment variables in a string.
// Supports both ${VAR} and $VAR syntax.
func expandEnvVar(s string) string {
	if s == "" {
		return s
	}

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		submatch := envVarPattern.FindStringSubmatch(match)
		if len(submatch) < 2 {
			return match
		}

		varName := submatch[1]
		defaultValue := ""
		if len(submatch) > 2 {
			defaultValue = submatch[2]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})

	result = simpleEnvVarPattern.ReplaceAllStringFunc(result, func(match string) string {
		if value := os.Getenv(match[1:]); value != "" {
			return value
		}
		return match
	})

	return result
}

// GetConfigPath returns the path to the loaded config file, if any.
func (l *Loader) GetConfigPath() string {
	return l.v.ConfigFileUsed()
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}

// FindConfigFile searches for a config file and returns its path.
func FindConfigFile(searchPaths ...string) (string, error) {
	if len(searchPaths) == 0 {
		searchPaths = []string{"."}
	}

	for _, searchPath := range searchPaths {
		for _, name := range ConfigFileNames {
			for _, ext := range ConfigFileExtensions {
				configFile := filepath.Join(searchPath, name+"."+ext)
				if _, err := os.Stat(configFile); err == nil {
					return configFile, nil
				}
			}
		}
	}

	return "", rperrors.NotFound("config.FindConfigFile", "no config file found")
}
