package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/relicta-tech/promoter/internal/domain/promotion/app"
)

func newCheckCmd() *cobra.Command {
	flags := &policyFlags{}
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Report whether a new release is waiting",
		Long: `Compare the latest (or the given) release against the version ledger.

Prints "new release" when at least one selected pair still needs the
release and "up to date" otherwise. Nothing is deployed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := detect(cmd, flags)
			if err != nil {
				return err
			}
			return renderCheck(cmd.OutOrStdout(), view)
		},
	}
	flags.bind(cmd)
	return cmd
}

func newPlanCmd() *cobra.Command {
	flags := &policyFlags{}
	var format string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the deployment plan of a release",
		Long: `Build the staged deployment plan for a release and show, per pair, what
a run would do. Nothing is deployed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := detect(cmd, flags)
			if err != nil {
				return err
			}
			if format == "" {
				format = cfg.Output.Format
			}
			return renderPlan(cmd.OutOrStdout(), view, format)
		},
	}
	flags.bind(cmd)
	cmd.Flags().StringVar(&format, "format", "", "plan format (text, json, yaml)")
	return cmd
}

// planView is the printable form of a detection.
type planView struct {
	ReleaseTag string      `json:"release_tag" yaml:"release_tag"`
	Mode       string      `json:"mode" yaml:"mode"`
	NewRelease bool        `json:"new_release" yaml:"new_release"`
	Stages     []stageView `json:"stages" yaml:"stages"`
}

type stageView struct {
	Name     string     `json:"name" yaml:"name"`
	Gated    bool       `json:"gated" yaml:"gated"`
	HardGate bool       `json:"hard_gate,omitempty" yaml:"hard_gate,omitempty"`
	Pairs    []pairView `json:"pairs" yaml:"pairs"`
}

type pairView struct {
	Application string `json:"application" yaml:"application"`
	Target      string `json:"target" yaml:"target"`
	Foundation  string `json:"foundation" yaml:"foundation"`
	Space       string `json:"space" yaml:"space"`
	Strategy    string `json:"strategy" yaml:"strategy"`
	Route       string `json:"route,omitempty" yaml:"route,omitempty"`
	PriorTag    string `json:"prior_tag,omitempty" yaml:"prior_tag,omitempty"`
	State       string `json:"state" yaml:"state"`
}

func detect(cmd *cobra.Command, flags *policyFlags) (*planView, error) {
	ctx := cmd.Context()
	policy, err := flags.policy()
	if err != nil {
		return nil, err
	}

	c, err := newContainer(ctx)
	if err != nil {
		return nil, err
	}
	defer closeContainer(c)

	det, err := c.Detector().Detect(ctx, flags.releaseTag, policy)
	if err != nil {
		return nil, err
	}
	return newPlanView(det), nil
}

func newPlanView(det *app.Detection) *planView {
	view := &planView{
		ReleaseTag: det.Release.Tag(),
		Mode:       string(det.Plan.Policy.Mode),
		NewRelease: det.NewRelease(),
	}
	for _, st := range det.Plan.Stages {
		sv := stageView{Name: st.Name, Gated: st.Gated, HardGate: st.HardGate}
		for _, pair := range st.Pairs {
			pv := pairView{
				Application: pair.App.Name,
				Target:      pair.Target.Name(),
				Foundation:  pair.Target.Foundation.Name,
				Space:       pair.Target.Space,
				Strategy:    string(pair.Target.Strategy),
				Route:       pair.Route(),
			}
			if status, ok := det.Status(pair.Key()); ok {
				pv.PriorTag = status.PriorTag
				pv.State = string(status.State)
			}
			sv.Pairs = append(sv.Pairs, pv)
		}
		view.Stages = append(view.Stages, sv)
	}
	return view
}

func renderCheck(w io.Writer, view *planView) error {
	if isJSONOutput() {
		return writeJSON(w, view)
	}
	if !view.NewRelease {
		printSuccess(w, fmt.Sprintf("up to date: %s", view.ReleaseTag))
		return nil
	}
	printInfo(w, fmt.Sprintf("new release: %s", view.ReleaseTag))
	for _, st := range view.Stages {
		for _, p := range st.Pairs {
			if p.State != string(app.PairPending) {
				continue
			}
			prior := p.PriorTag
			if prior == "" {
				prior = "none"
			}
			printSubtle(w, fmt.Sprintf("  %s@%s (deployed: %s)", p.Application, p.Target, prior))
		}
	}
	return nil
}

func renderPlan(w io.Writer, view *planView, format string) error {
	switch format {
	case "json":
		return writeJSON(w, view)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(view); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
	default:
		return fmt.Errorf("unknown plan format %q (text, json, yaml)", format)
	}

	printTitle(w, fmt.Sprintf("Plan for %s (%s mode)", view.ReleaseTag, view.Mode))
	for _, st := range view.Stages {
		header := "Stage " + st.Name
		if st.Gated {
			header += " [approval required]"
		}
		if st.HardGate {
			header += " [hard gate]"
		}
		fmt.Fprintln(w, styles.Bold.Render(header))
		for _, p := range st.Pairs {
			line := fmt.Sprintf("  %s -> %s/%s (%s, %s)", p.Application, p.Foundation, p.Space, p.Strategy, p.State)
			if p.Route != "" {
				line += " route " + p.Route
			}
			fmt.Fprintln(w, line)
		}
	}
	if !view.NewRelease {
		printSubtle(w, "Every pair is up to date; a run would change nothing.")
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
