package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/relicta-tech/promoter/internal/container"
	"github.com/relicta-tech/promoter/internal/domain/promotion/app"
	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
)

// policyFlags are the manual trigger inputs shared by run, check and plan.
type policyFlags struct {
	releaseTag  string
	skipNonprod bool
	deployApp1  bool
	deployApp2  bool
	hardGate    bool
}

func (p *policyFlags) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&p.releaseTag, "release-tag", "t", "", "release to promote (default: latest)")
	f.BoolVar(&p.skipNonprod, "skip-nonprod", false, "go straight to the production stage")
	f.BoolVar(&p.deployApp1, "deploy-app1", true, "include the first application")
	f.BoolVar(&p.deployApp2, "deploy-app2", true, "include the second application")
	f.BoolVar(&p.hardGate, "hard-gate", false, "halt the whole plan when any pair of a stage fails")
}

// positions returns the selected application positions.
func (p *policyFlags) positions(count int) []int {
	flags := []bool{p.deployApp1, p.deployApp2}
	var out []int
	for i := 0; i < count && i < len(flags); i++ {
		if flags[i] {
			out = append(out, i)
		}
	}
	return out
}

func (p *policyFlags) policy() (domain.Policy, error) {
	positions := p.positions(len(cfg.Applications))
	if len(positions) == 0 {
		return domain.Policy{}, fmt.Errorf("%w: every application is deselected", domain.ErrNoApplications)
	}
	return domain.Policy{
		Applications: positions,
		SkipNonprod:  p.skipNonprod,
		HardGate:     p.hardGate,
	}, nil
}

type runOptions struct {
	policyFlags
	approve  bool
	operator string
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Promote a release through every stage",
		Long: `Promote a release through the non-production stage, the approval gate
and production.

The production stage waits for approval. With --approve the operator
approves it directly; when server.address is configured the decision is
taken over the HTTP API; otherwise promoter asks on the terminal.

Exit codes: 0 success, 1 failed, 2 partial failure, 3 rejected, 4 cancelled.`,
		Example: `  # Promote the latest release
  promoter run

  # Promote a specific release of the first application only
  promoter run --release-tag v1.4.0 --deploy-app2=false

  # Skip non-production and approve production directly
  promoter run --skip-nonprod --approve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPromotion(cmd, opts)
		},
	}
	opts.bind(cmd)
	cmd.Flags().BoolVar(&opts.approve, "approve", false, "approve the production gate as the operator")
	cmd.Flags().StringVar(&opts.operator, "operator", "", "operator identity (default: $USER)")
	return cmd
}

func runPromotion(cmd *cobra.Command, opts *runOptions) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	policy, err := opts.policy()
	if err != nil {
		return err
	}
	operator := opts.operator
	if operator == "" {
		operator = currentUser()
	}

	prompter := newGatePrompter()
	c, err := newContainer(ctx, container.WithNotifier(prompter))
	if err != nil {
		return err
	}
	defer closeContainer(c)

	srv := c.Server()
	if srv != nil {
		srvCtx, stop := context.WithCancel(ctx)
		defer stop()
		go func() {
			if err := srv.Start(srvCtx); err != nil {
				slog.Error("approval server stopped", "error", err)
			}
		}()
		slog.Info("approval API listening", "address", srv.Address())
	}

	runner := c.Runner()
	runID, err := runner.Start(ctx, app.RunRequest{
		ReleaseTag: opts.releaseTag,
		Policy:     policy,
		Operator:   operator,
	})
	if err != nil {
		return err
	}
	if !isJSONOutput() {
		printTitle(out, "Promotion run "+runID)
	}

	type result struct {
		summary domain.RunSummary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		s, err := runner.Wait(context.WithoutCancel(ctx), runID)
		done <- result{s, err}
	}()

	decider := &gateDecider{
		gate:     c.Gate(),
		runner:   runner,
		operator: operator,
		approve:  opts.approve,
		remote:   srv != nil,
		in:       cmd.InOrStdin(),
		out:      cmd.ErrOrStderr(),
	}

	interrupted := ctx.Done()
	for {
		select {
		case p := <-prompter.pending:
			if p.RunID == runID {
				decider.decide(p)
			}
		case <-interrupted:
			interrupted = nil
			if err := runner.Cancel(runID, operator, "interrupted"); err != nil {
				slog.Warn("cancel failed", "run_id", runID, "error", err)
			}
		case res := <-done:
			if res.err != nil {
				return res.err
			}
			if err := renderSummary(out, res.summary); err != nil {
				return err
			}
			return exitErrorFor(res.summary)
		}
	}
}

// gateDecider resolves the approval gate of a foreground run.
type gateDecider struct {
	gate     *app.ApprovalGate
	runner   *app.Runner
	operator string
	approve  bool
	remote   bool
	in       io.Reader
	out      io.Writer
}

func (d *gateDecider) decide(p domain.PendingApproval) {
	switch {
	case d.approve:
		if err := d.gate.Approve(p.RunID, d.operator, "approved on the command line"); err != nil {
			printError(d.out, err.Error())
			d.abandon(p.RunID, err)
		}
	case d.remote:
		printInfo(d.out, fmt.Sprintf("Run %s awaits approval of stage %s: POST /api/v1/approvals/%s/approve", p.RunID, p.Stage, p.RunID))
	case !canPrompt(d.in):
		err := errors.New("approval required: pass --approve or configure server.address")
		printError(d.out, err.Error())
		d.abandon(p.RunID, err)
	default:
		go d.prompt(p)
	}
}

func (d *gateDecider) prompt(p domain.PendingApproval) {
	pairs := make([]string, 0, len(p.Pairs))
	for _, k := range p.Pairs {
		pairs = append(pairs, k.String())
	}
	fmt.Fprintf(d.out, "Promote %s to %s (%s)? [y/N] ", p.ReleaseTag, p.Stage, strings.Join(pairs, ", "))

	answer, err := readLine(d.in)
	if err != nil && answer == "" {
		d.abandon(p.RunID, fmt.Errorf("no approval input: %w", err))
		return
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		err = d.gate.Approve(p.RunID, d.operator, "approved on the command line")
	default:
		err = d.gate.Reject(p.RunID, d.operator, "rejected on the command line")
	}
	if err != nil {
		printError(d.out, err.Error())
		d.abandon(p.RunID, err)
	}
}

// abandon cancels a run whose gate cannot be resolved from here.
func (d *gateDecider) abandon(runID string, cause error) {
	if err := d.runner.Cancel(runID, d.operator, cause.Error()); err != nil {
		slog.Warn("cancel failed", "run_id", runID, "error", err)
	}
}

func renderSummary(w io.Writer, s domain.RunSummary) error {
	if isJSONOutput() {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	fmt.Fprintln(w)
	for _, st := range s.Stages {
		line := "Stage " + st.Name
		if st.Approval != nil {
			line += fmt.Sprintf(" (%s by %s)", st.Approval.Decision, st.Approval.Reviewer)
		}
		fmt.Fprintln(w, styles.Bold.Render(line))
		for _, o := range st.Outcomes {
			renderOutcome(w, o)
		}
	}
	fmt.Fprintln(w)

	msg := fmt.Sprintf("Run %s finished: %s", s.RunID, s.Status)
	if s.ReleaseTag != "" {
		msg = fmt.Sprintf("Run %s of %s finished: %s", s.RunID, s.ReleaseTag, s.Status)
	}
	switch s.Status {
	case domain.RunSuccess:
		printSuccess(w, msg)
	case domain.RunPartialFailure, domain.RunRejected, domain.RunCancelled:
		printWarning(w, msg)
	default:
		printError(w, msg)
	}
	if s.Reason != "" {
		printSubtle(w, "  "+s.Reason)
	}
	return nil
}

func renderOutcome(w io.Writer, o domain.PairOutcome) {
	detail := o.ReleaseTag
	if o.PriorTag != "" && o.PriorTag != o.ReleaseTag {
		detail = o.PriorTag + " -> " + o.ReleaseTag
	}
	line := fmt.Sprintf("  %-28s %-12s %s", o.Key.String(), o.Status, detail)
	switch o.Status {
	case domain.OutcomeComplete, domain.OutcomeSkipped:
		fmt.Fprintln(w, styles.Success.Render(line))
	case domain.OutcomeNotStarted:
		fmt.Fprintln(w, styles.Subtle.Render(line))
	default:
		fmt.Fprintln(w, styles.Error.Render(line))
	}
	if o.Error != "" {
		printSubtle(w, "    "+o.Error)
	}
	for _, warn := range o.Warnings {
		printWarning(w, "    "+warn)
	}
}
