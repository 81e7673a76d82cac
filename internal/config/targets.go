package config

import (
	"encoding/json"
	"path/filepath"

	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
)

// Foundation names used as ledger-independent identifiers of the configured
// platform installations.
const (
	FoundationSingle  = "single"
	FoundationNonprod = "nonprod"
	FoundationProd    = "prod"
)

// For returns the route configured for a target kind.
func (r AppRoutes) For(kind domain.TargetKind) string {
	switch kind {
	case domain.TargetDev:
		return r.Dev
	case domain.TargetNonprod:
		return r.Nonprod
	case domain.TargetProd:
		return r.Prod
	}
	return ""
}

// FoundationMode returns the deployment family.
func (c *Config) FoundationMode() domain.FoundationMode {
	return domain.FoundationMode(c.Mode)
}

// ApplicationDefinitions converts the configured applications, keeping their
// positions.
func (c *Config) ApplicationDefinitions() []domain.ApplicationDefinition {
	defs := make([]domain.ApplicationDefinition, 0, len(c.Applications))
	for _, app := range c.Applications {
		routes := make(map[domain.TargetKind]string)
		for _, kind := range []domain.TargetKind{domain.TargetDev, domain.TargetNonprod, domain.TargetProd} {
			if r := app.Routes.For(kind); r != "" {
				routes[kind] = r
			}
		}
		defs = append(defs, domain.ApplicationDefinition{
			Name:            app.Name,
			ManifestPath:    app.ManifestPath,
			ArtifactPattern: app.ArtifactPattern,
			Routes:          routes,
		})
	}
	return defs
}

// Targets returns the deployment targets of the selected mode.
func (c *Config) Targets() []domain.DeploymentTarget {
	switch c.Mode {
	case ModeSingle:
		f := c.Foundations.Single
		foundation := toFoundation(FoundationSingle, f.Credentials)
		strategy := strategyOr(f.Strategy, domain.StrategyRedeploy)
		return []domain.DeploymentTarget{
			{Kind: domain.TargetDev, Foundation: foundation, Org: f.Org, Space: f.DevSpace, Domain: f.Domain, Strategy: strategy},
			{Kind: domain.TargetProd, Foundation: foundation, Org: f.Org, Space: f.ProdSpace, Domain: f.Domain, Strategy: strategy},
		}
	case ModeDual:
		np, p := c.Foundations.Nonprod, c.Foundations.Prod
		return []domain.DeploymentTarget{
			{
				Kind:       domain.TargetNonprod,
				Foundation: toFoundation(FoundationNonprod, np.Credentials),
				Org:        np.Org,
				Space:      np.Space,
				Domain:     np.Domain,
				Strategy:   strategyOr(np.Strategy, domain.StrategyBlueGreen),
			},
			{
				Kind:       domain.TargetProd,
				Foundation: toFoundation(FoundationProd, p.Credentials),
				Org:        p.Org,
				Space:      p.Space,
				Domain:     p.Domain,
				Strategy:   strategyOr(p.Strategy, domain.StrategyBlueGreen),
			},
		}
	}
	return nil
}

// SkipSSLValidation reports, per foundation name, whether TLS verification
// is disabled.
func (c *Config) SkipSSLValidation() map[string]bool {
	return map[string]bool{
		FoundationSingle:  c.Foundations.Single.SkipSSLValidation,
		FoundationNonprod: c.Foundations.Nonprod.SkipSSLValidation,
		FoundationProd:    c.Foundations.Prod.SkipSSLValidation,
	}
}

// LedgerPath returns the ledger location, defaulting under the state
// directory.
func (c *Config) LedgerPath() string {
	if c.Ledger.Path != "" {
		return c.Ledger.Path
	}
	switch c.Ledger.Backend {
	case LedgerFile:
		return filepath.Join(c.State.Dir, "ledger")
	default:
		return filepath.Join(c.State.Dir, "ledger.db")
	}
}

// LockDir is where pair locks are kept.
func (c *Config) LockDir() string {
	return filepath.Join(c.State.Dir, "locks")
}

// WorkDir is where artifacts and manifests are downloaded.
func (c *Config) WorkDir() string {
	return filepath.Join(c.State.Dir, "work")
}

// CFHomeDir is the parent of the per-session CF_HOME directories.
func (c *Config) CFHomeDir() string {
	return filepath.Join(c.State.Dir, "cf")
}

// String renders the configuration as JSON. Secrets carry json:"-" and are
// never included.
func (c *Config) String() string {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err.Error()
	}
	return string(data)
}

func toFoundation(name string, c Credentials) domain.Foundation {
	return domain.Foundation{
		Name:     name,
		API:      c.API,
		Username: c.Username,
		Password: c.Password,
	}
}

func strategyOr(value string, fallback domain.Strategy) domain.Strategy {
	if value == "" {
		return fallback
	}
	return domain.Strategy(value)
}
