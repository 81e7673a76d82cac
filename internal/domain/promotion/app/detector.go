package app

import (
	"context"

	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
	"github.com/relicta-tech/promoter/internal/domain/promotion/ports"
	rperrors "github.com/relicta-tech/promoter/internal/errors"
)

// PairState classifies a pair against the ledger before any work is done.
type PairState string

const (
	// PairPending means the pair needs a cutover.
	PairPending PairState = "pending"
	// PairUpToDate means the ledger already records the release.
	PairUpToDate PairState = "up_to_date"
	// PairRegression means the ledger records a newer release.
	PairRegression PairState = "regression"
)

// PairStatus is the ledger view of one planned pair.
type PairStatus struct {
	Key      domain.PairKey `json:"pair"`
	PriorTag string         `json:"prior_tag,omitempty"`
	State    PairState      `json:"state"`
}

// Detection is the result of comparing a release against the ledger.
type Detection struct {
	Release domain.Release
	Plan    domain.DeploymentPlan
	Pairs   []PairStatus
}

// NewRelease reports whether any planned pair still needs the release.
func (d Detection) NewRelease() bool {
	for _, p := range d.Pairs {
		if p.State == PairPending {
			return true
		}
	}
	return false
}

// Status returns the classification of one pair.
func (d Detection) Status(key domain.PairKey) (PairStatus, bool) {
	for _, p := range d.Pairs {
		if p.Key == key {
			return p, true
		}
	}
	return PairStatus{}, false
}

// ReleaseDetector decides whether a release is new for the planned pairs.
type ReleaseDetector struct {
	source  ports.ReleaseSource
	ledger  ports.VersionLedger
	planner *Planner
}

// NewReleaseDetector creates a new ReleaseDetector.
func NewReleaseDetector(source ports.ReleaseSource, ledger ports.VersionLedger, planner *Planner) *ReleaseDetector {
	return &ReleaseDetector{source: source, ledger: ledger, planner: planner}
}

// Resolve fetches the release named by tag, or the latest release when tag
// is empty. Source failures are recoverable: nothing has been mutated.
func (d *ReleaseDetector) Resolve(ctx context.Context, tag string) (domain.Release, error) {
	var (
		release domain.Release
		err     error
	)
	if tag == "" {
		release, err = d.source.Latest(ctx)
	} else {
		release, err = d.source.ByTag(ctx, tag)
	}
	if err != nil {
		if rperrors.GetKind(err) == rperrors.KindUnknown {
			err = rperrors.SourceWrap(err, "detector.Resolve", "fetch release metadata")
		}
		return domain.Release{}, err
	}
	return release, nil
}

// Detect resolves the release, plans it under policy and classifies every
// pair against the ledger.
func (d *ReleaseDetector) Detect(ctx context.Context, tag string, policy domain.Policy) (*Detection, error) {
	release, err := d.Resolve(ctx, tag)
	if err != nil {
		return nil, err
	}
	plan, err := d.planner.Plan(release, policy)
	if err != nil {
		return nil, rperrors.Wrap(err, rperrors.KindValidation, "detector.Detect", "build plan")
	}
	pairs, err := Classify(ctx, d.ledger, plan)
	if err != nil {
		return nil, err
	}
	return &Detection{Release: release, Plan: plan, Pairs: pairs}, nil
}

// Classify reads the ledger for every pair of plan.
func Classify(ctx context.Context, ledger ports.VersionLedger, plan domain.DeploymentPlan) ([]PairStatus, error) {
	tag := plan.Release.Tag()
	var out []PairStatus
	for _, pair := range plan.Pairs() {
		key := pair.Key()
		entry, err := ledger.Get(ctx, key)
		if err != nil {
			return nil, rperrors.StateWrap(err, "detector.Classify", "read ledger for "+key.String())
		}
		st := PairStatus{Key: key, PriorTag: ledgerTag(entry), State: PairPending}
		switch {
		case st.PriorTag == tag:
			st.State = PairUpToDate
		case st.PriorTag != "":
			if cmp, ok := domain.CompareTags(st.PriorTag, tag); ok && cmp > 0 {
				st.State = PairRegression
			}
		}
		out = append(out, st)
	}
	return out, nil
}
