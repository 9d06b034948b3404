// Package ghprovenance is an optional enrichment sidecar that backfills a
// GitHub-sourced ChangeEvent's canonicalUrl and merge commit SHA from the
// live GitHub API: a google/go-github/v57 client guarded by a
// golang.org/x/time/rate limiter honoring the configured
// requests-per-second budget.
//
// This is a sidecar the ingestion host may call before EventStore.Insert;
// it never runs inside ExtractEventEvidence itself (that stays a pure
// function) and it is not a webhook payload parser — it only resolves
// URLs for events that already carry a commit SHA or PR number.
package ghprovenance

import (
	"context"
	"fmt"

	"github.com/google/go-github/v57/github"
	"golang.org/x/time/rate"

	"github.com/runbook-agent/change-intelligence/internal/models"
)

// Enricher resolves canonical GitHub URLs for change events sourced from
// GitHub.
type Enricher struct {
	client      *github.Client
	rateLimiter *rate.Limiter
}

// New builds an Enricher. token may be empty for unauthenticated (heavily
// rate-limited) access. rps bounds requests per second against the GitHub
// API, configurable as requests per second.
func New(token string, rps int) *Enricher {
	if rps <= 0 {
		rps = 5
	}
	client := github.NewClient(nil)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	return &Enricher{
		client:      client,
		rateLimiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// Enrich backfills event.CanonicalURL from the GitHub API when the event
// originates from GitHub, lacks a canonical URL already, and carries enough
// provenance (a PR number or commit SHA plus an "owner/repo" repository) to
// resolve one. It is a no-op — not an error — for events missing any of
// those preconditions.
func (e *Enricher) Enrich(ctx context.Context, event *models.ChangeEvent) error {
	if event.Source != models.SourceGitHub || event.CanonicalURL != "" || event.Repository == "" {
		return nil
	}
	owner, repo, ok := splitRepository(event.Repository)
	if !ok {
		return nil
	}

	if event.PRNumber != 0 {
		if err := e.rateLimiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		pr, _, err := e.client.PullRequests.Get(ctx, owner, repo, event.PRNumber)
		if err != nil {
			return fmt.Errorf("fetch pull request %s#%d: %w", event.Repository, event.PRNumber, err)
		}
		event.CanonicalURL = pr.GetHTMLURL()
		if sha := pr.GetMergeCommitSHA(); sha != "" && event.CommitSHA == "" {
			event.CommitSHA = sha
		}
		return nil
	}

	if event.CommitSHA != "" {
		if err := e.rateLimiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		commit, _, err := e.client.Repositories.GetCommit(ctx, owner, repo, event.CommitSHA, nil)
		if err != nil {
			return fmt.Errorf("fetch commit %s@%s: %w", event.Repository, event.CommitSHA, err)
		}
		event.CanonicalURL = commit.GetHTMLURL()
		return nil
	}

	return nil
}

func splitRepository(repository string) (owner, repo string, ok bool) {
	for i := 0; i < len(repository); i++ {
		if repository[i] == '/' {
			owner, repo = repository[:i], repository[i+1:]
			return owner, repo, owner != "" && repo != ""
		}
	}
	return "", "", false
}
