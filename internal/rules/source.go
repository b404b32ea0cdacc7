package rules

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/go-github/v56/github"
	"golang.org/x/time/rate"

	"github.com/NikhilSetiya/agentscan-rulegate/pkg/config"
	"github.com/NikhilSetiya/agentscan-rulegate/pkg/errors"
	"github.com/NikhilSetiya/agentscan-rulegate/pkg/logging"
)

// GitHubSourceName names the GitHub rule source in breakers, metrics and
// degradation reasons.
const GitHubSourceName = "github-rules"

// Source fetches raw rule set files.
type Source interface {
	// Name identifies the source. The loader guards it with a breaker of the
	// same name.
	Name() string
	// Fetch returns the raw YAML of the named rule set.
	Fetch(ctx context.Context, ruleSet string) ([]byte, error)
}

// GitHubSource reads rule sets from a directory of a GitHub repository.
type GitHubSource struct {
	client   *github.Client
	limiter  *rate.Limiter
	owner    string
	repo     string
	ref      string
	basePath string
	logger   *logging.Logger
}

// NewGitHubSource creates a source reading <BasePath>/<name>.yaml at Ref.
// httpClient carries authentication; see NewHTTPClient.
func NewGitHubSource(cfg config.RuleSourceConfig, httpClient *http.Client) (*GitHubSource, error) {
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, errors.NewConfigurationError("rule source owner and repo are required")
	}

	client, err := newGitHubClient(httpClient, cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &GitHubSource{
		client:   client,
		limiter:  rate.NewLimiter(limit, burst),
		owner:    cfg.Owner,
		repo:     cfg.Repo,
		ref:      cfg.Ref,
		basePath: cfg.BasePath,
		logger:   logging.GetLogger(),
	}, nil
}

func newGitHubClient(httpClient *http.Client, baseURL string) (*github.Client, error) {
	client := github.NewClient(httpClient)
	if baseURL == "" {
		return client, nil
	}

	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.NewConfigurationError(fmt.Sprintf("invalid rule source base URL %q", baseURL)).WithCause(err)
	}
	client.BaseURL = parsed
	return client, nil
}

// Name implements Source
func (s *GitHubSource) Name() string {
	return GitHubSourceName
}

// Fetch implements Source. Requests wait for the rate limiter, so a burst of
// loads is spread out instead of tripping GitHub's own limits.
func (s *GitHubSource) Fetch(ctx context.Context, ruleSet string) ([]byte, error) {
	if err := ValidateName(ruleSet); err != nil {
		return nil, err
	}

	if err := s.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, classifyGitHubError(ctxErr, ruleSet)
		}
		return nil, errors.NewRateLimitError("rule source request budget exhausted").
			WithDetail("service", GitHubSourceName).
			WithCause(err)
	}

	filePath := path.Join(s.basePath, ruleSet+".yaml")
	start := time.Now()

	file, _, resp, err := s.client.Repositories.GetContents(ctx, s.owner, s.repo, filePath,
		&github.RepositoryContentGetOptions{Ref: s.ref})
	if err != nil {
		return nil, classifyGitHubError(err, ruleSet)
	}
	if file == nil {
		return nil, errors.NewValidationError(fmt.Sprintf("%s is a directory, not a rule file", filePath)).
			WithDetail("rule_set", ruleSet)
	}

	content, err := file.GetContent()
	if err != nil {
		return nil, errors.NewRuleSourceError(GitHubSourceName, "failed to decode rule file").
			WithDetail("rule_set", ruleSet).
			WithCause(err)
	}

	fields := []interface{}{
		"rule_set", ruleSet,
		"path", filePath,
		"sha", file.GetSHA(),
		"duration_ms", time.Since(start).Milliseconds(),
	}
	if resp != nil {
		fields = append(fields, "rate_remaining", resp.Rate.Remaining)
	}
	s.logger.Debug("Fetched rule file", fields...)

	return []byte(content), nil
}

// classifyGitHubError maps GitHub client failures onto the error taxonomy so
// that retry and degradation decisions can be made on them.
func classifyGitHubError(err error, ruleSet string) error {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return err
	}

	if stderrors.Is(err, context.Canceled) {
		return err
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.NewTimeoutError("rule source request").
			WithDetail("service", GitHubSourceName).
			WithDetail("rule_set", ruleSet).
			WithCause(err)
	}

	var rateErr *github.RateLimitError
	if stderrors.As(err, &rateErr) {
		return errors.NewRateLimitError(fmt.Sprintf("GitHub rate limit exceeded until %s", rateErr.Rate.Reset.Format(time.RFC3339))).
			WithDetail("service", GitHubSourceName).
			WithCause(err)
	}
	var abuseErr *github.AbuseRateLimitError
	if stderrors.As(err, &abuseErr) {
		return errors.NewRateLimitError("GitHub secondary rate limit exceeded").
			WithDetail("service", GitHubSourceName).
			WithCause(err)
	}

	var respErr *github.ErrorResponse
	if stderrors.As(err, &respErr) && respErr.Response != nil {
		return classifyStatus(respErr.Response.StatusCode, ruleSet, err)
	}

	var urlErr *url.Error
	var netErr net.Error
	if stderrors.As(err, &urlErr) || stderrors.As(err, &netErr) {
		return errors.NewNetworkError("rule source unreachable").
			WithDetail("service", GitHubSourceName).
			WithCause(err)
	}

	return errors.NewRuleSourceError(GitHubSourceName, "rule source request failed").
		WithDetail("rule_set", ruleSet).
		WithCause(err)
}

func classifyStatus(status int, ruleSet string, err error) error {
	switch {
	case status == http.StatusUnauthorized:
		return errors.NewAuthenticationError("rule source rejected credentials").
			WithDetail("service", GitHubSourceName).
			WithCause(err)
	case status == http.StatusForbidden:
		return errors.NewAuthorizationError("rule source denied access").
			WithDetail("service", GitHubSourceName).
			WithCause(err)
	case status == http.StatusNotFound:
		resource := "rule source resource"
		if ruleSet != "" {
			resource = fmt.Sprintf("rule set %s", ruleSet)
		}
		return errors.NewNotFoundError(resource).
			WithDetail("rule_set", ruleSet).
			WithCause(err)
	case status == http.StatusTooManyRequests:
		return errors.NewRateLimitError("rule source rate limit exceeded").
			WithDetail("service", GitHubSourceName).
			WithCause(err)
	case status >= 500:
		return errors.NewRuleSourceError(GitHubSourceName, fmt.Sprintf("rule source returned HTTP %d", status)).
			WithDetail("rule_set", ruleSet).
			WithCause(err)
	default:
		return errors.NewRuleSourceError(GitHubSourceName, fmt.Sprintf("rule source returned HTTP %d", status)).
			WithDetail("rule_set", ruleSet).
			WithRetryable(false).
			WithCause(err)
	}
}
