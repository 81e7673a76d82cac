// Package github provides the GitHub and GitHub Enterprise adapters: the
// release source, the artifact fetcher and the deployment notifier.
package github

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/go-github/v60/github"
	"golang.org/x/oauth2"

	rperrors "github.com/relicta-tech/promoter/internal/errors"
)

// Config identifies the upstream repository and how to reach it.
type Config struct {
	// Repository is "owner/name".
	Repository string
	Token      string
	// APIURL selects a GitHub Enterprise instance; empty means github.com.
	APIURL string
	// UploadURL defaults to APIURL.
	UploadURL  string
	Resilience ResilienceConfig
}

// Client is a repository-scoped GitHub client shared by the adapters.
type Client struct {
	gh    *github.Client
	owner string
	repo  string
	res   *Resilience
}

// NewClient creates a client for cfg.Repository.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	owner, repo, ok := strings.Cut(cfg.Repository, "/")
	if !ok || owner == "" || repo == "" {
		return nil, rperrors.Config("github.NewClient", "repository must be owner/name, got "+cfg.Repository)
	}

	httpClient := http.DefaultClient
	if cfg.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		httpClient = oauth2.NewClient(ctx, ts)
	}
	gh := github.NewClient(httpClient)
	if cfg.APIURL != "" {
		upload := cfg.UploadURL
		if upload == "" {
			upload = cfg.APIURL
		}
		var err error
		gh, err = gh.WithEnterpriseURLs(cfg.APIURL, upload)
		if err != nil {
			return nil, rperrors.ConfigWrap(err, "github.NewClient", "invalid enterprise URL")
		}
	}

	return &Client{gh: gh, owner: owner, repo: repo, res: NewResilience(cfg.Resilience)}, nil
}

// Repository returns "owner/name".
func (c *Client) Repository() string {
	return c.owner + "/" + c.repo
}

// statusCode extracts the HTTP status of a go-github error, or 0.
func statusCode(err error) int {
	var er *github.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		return er.Response.StatusCode
	}
	return 0
}

// Close releases the client's rate limiter.
func (c *Client) Close() error {
	return c.res.Close()
}
