package rules

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v56/github"
	"golang.org/x/oauth2"

	"github.com/NikhilSetiya/agentscan-rulegate/pkg/config"
	"github.com/NikhilSetiya/agentscan-rulegate/pkg/errors"
	"github.com/NikhilSetiya/agentscan-rulegate/pkg/logging"
)

// NewHTTPClient builds the HTTP client used to talk to the rule source. A
// GitHub App takes precedence over a personal token; with neither the
// client is anonymous.
func NewHTTPClient(ctx context.Context, cfg config.RuleSourceConfig) (*http.Client, error) {
	var client *http.Client

	switch {
	case cfg.AppID != 0:
		source, err := NewAppTokenSource(cfg, nil)
		if err != nil {
			return nil, err
		}
		client = oauth2.NewClient(ctx, oauth2.ReuseTokenSource(nil, source))
	case cfg.Token != "":
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		client = oauth2.NewClient(ctx, ts)
	default:
		client = &http.Client{}
	}

	client.Timeout = cfg.RequestTimeout
	return client, nil
}

// AppTokenSource exchanges a GitHub App JWT for installation access tokens.
// Wrap it in oauth2.ReuseTokenSource so tokens are only minted on expiry.
type AppTokenSource struct {
	appID          int64
	installationID int64
	privateKey     *rsa.PrivateKey
	client         *github.Client
	timeout        time.Duration
	now            func() time.Time
}

// NewAppTokenSource parses the App's PEM private key. httpClient may be nil.
func NewAppTokenSource(cfg config.RuleSourceConfig, httpClient *http.Client) (*AppTokenSource, error) {
	if cfg.AppID == 0 || cfg.InstallationID == 0 {
		return nil, errors.NewConfigurationError("GitHub App authentication requires an app ID and installation ID")
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.PrivateKey))
	if err != nil {
		return nil, errors.NewConfigurationError("invalid GitHub App private key").WithCause(err)
	}

	client, err := newGitHubClient(httpClient, cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &AppTokenSource{
		appID:          cfg.AppID,
		installationID: cfg.InstallationID,
		privateKey:     key,
		client:         client,
		timeout:        timeout,
		now:            time.Now,
	}, nil
}

// generateJWT creates a JWT for GitHub App authentication
func (s *AppTokenSource) generateJWT() (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		// GitHub rejects tokens issued in the future; allow for clock drift
		"iat": now.Add(-time.Minute).Unix(),
		"exp": now.Add(10 * time.Minute).Unix(),
		"iss": fmt.Sprintf("%d", s.appID),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(s.privateKey)
}

// Token implements oauth2.TokenSource
func (s *AppTokenSource) Token() (*oauth2.Token, error) {
	signed, err := s.generateJWT()
	if err != nil {
		return nil, errors.NewConfigurationError("failed to sign GitHub App JWT").WithCause(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	installation, _, err := s.client.WithAuthToken(signed).Apps.CreateInstallationToken(ctx, s.installationID, nil)
	if err != nil {
		return nil, classifyGitHubError(err, "")
	}

	logging.GetLogger().Debug("Minted installation token",
		"installation_id", s.installationID,
		"expires_at", installation.GetExpiresAt().Time,
	)

	return &oauth2.Token{
		AccessToken: installation.GetToken(),
		Expiry:      installation.GetExpiresAt().Time,
	}, nil
}
