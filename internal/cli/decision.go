package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
	"github.com/relicta-tech/promoter/internal/httpserver/dto"
	"github.com/relicta-tech/promoter/internal/httpserver/middleware"
)

type decisionKind string

const (
	decisionApprove decisionKind = "approve"
	decisionReject  decisionKind = "reject"
	decisionCancel  decisionKind = "cancel"
)

const defaultServerURL = "http://localhost:8080"

// clientFlags select the promoter server to talk to.
type clientFlags struct {
	server string
	token  string
}

func (c *clientFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&c.server, "server", "", "promoter API URL (default: $PROMOTER_SERVER_URL or server.address)")
	cmd.Flags().StringVar(&c.token, "token", "", "bearer token (default: server.token)")
}

func (c *clientFlags) client() *apiClient {
	base := c.server
	if base == "" {
		base = os.Getenv("PROMOTER_SERVER_URL")
	}
	if base == "" && cfg != nil && cfg.Server.Address != "" {
		base = "http://" + resolveDisplayAddress(cfg.Server.Address)
	}
	if base == "" {
		base = defaultServerURL
	}
	token := c.token
	if token == "" && cfg != nil {
		token = cfg.Server.Token
	}
	return &apiClient{
		baseURL: strings.TrimRight(base, "/"),
		token:   token,
		user:    currentUser(),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func newDecisionCmd(kind decisionKind) *cobra.Command {
	var (
		flags    clientFlags
		reviewer string
		reason   string
	)
	short := map[decisionKind]string{
		decisionApprove: "Approve the production gate of a suspended run",
		decisionReject:  "Reject the production gate of a suspended run",
		decisionCancel:  "Cancel a run",
	}[kind]

	cmd := &cobra.Command{
		Use:         string(kind) + " <run-id>",
		Short:       short,
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{configAnnotation: configLoad},
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]
			client := flags.client()
			if reviewer != "" {
				client.user = reviewer
			}

			path := "/api/v1/approvals/" + runID + "/" + string(kind)
			if kind == decisionCancel {
				path = "/api/v1/runs/" + runID + "/cancel"
			}

			var resp dto.DecisionResponse
			body := dto.DecisionRequest{Reviewer: reviewer, Reason: reason}
			if err := client.do(cmd.Context(), http.MethodPost, path, body, &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if isJSONOutput() {
				return writeJSON(out, resp)
			}
			printSuccess(out, fmt.Sprintf("Run %s %s by %s", resp.RunID, resp.Decision, resp.Reviewer))
			return nil
		},
	}
	flags.bind(cmd)
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "reviewer identity (default: $USER)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the decision")
	return cmd
}

func newPendingCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:         "pending",
		Short:       "List runs awaiting approval",
		Annotations: map[string]string{configAnnotation: configLoad},
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp dto.ListResponse[domain.PendingApproval]
			if err := flags.client().do(cmd.Context(), http.MethodGet, "/api/v1/approvals/pending", nil, &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if isJSONOutput() {
				return writeJSON(out, resp)
			}
			if resp.Total == 0 {
				printInfo(out, "No runs are awaiting approval.")
				return nil
			}
			rows := make([][]string, 0, len(resp.Data))
			for _, p := range resp.Data {
				pairs := make([]string, 0, len(p.Pairs))
				for _, k := range p.Pairs {
					pairs = append(pairs, k.String())
				}
				rows = append(rows, []string{p.RunID, p.ReleaseTag, p.Stage, strings.Join(pairs, ", "), p.Since.Format(time.RFC3339)})
			}
			renderTable(out, []string{"RUN", "RELEASE", "STAGE", "PAIRS", "SINCE"}, rows)
			return nil
		},
	}
	flags.bind(cmd)
	return cmd
}

// apiClient calls a running promoter server.
type apiClient struct {
	baseURL string
	token   string
	user    string
	http    *http.Client
}

// APIError is a non-2xx response of the promoter API.
type APIError struct {
	Status  int
	Message string
	Details any
}

func (e *APIError) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("server returned %d: %s: %v", e.Status, e.Message, e.Details)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.user != "" {
		req.Header.Set(middleware.UserHeader, c.user)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contact promoter server at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e dto.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error, Details: e.Details}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
