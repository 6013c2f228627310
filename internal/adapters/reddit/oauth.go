package reddit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"feed-scheduler/internal/domain"
	"feed-scheduler/internal/infra/metrics"
)

// DefaultTokenURL — адрес выдачи токенов Reddit.
const DefaultTokenURL = "https://www.reddit.com/api/v1/access_token"

// Config описывает приложение Reddit.
type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	UserAgent    string
	Timeout      time.Duration
}

// Refresher обновляет токены Reddit по refresh token.
type Refresher struct {
	oauth      *oauth2.Config
	httpClient *http.Client
}

var _ domain.TokenRefresher = (*Refresher)(nil)

// NewRefresher создаёт клиент обновления токенов.
func NewRefresher(cfg Config) (*Refresher, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("reddit client credentials are required")
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Refresher{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: userAgentTransport{agent: cfg.UserAgent, base: http.DefaultTransport},
		},
	}, nil
}

// Refresh выполняет refresh-token grant. Отказ провайдера с кодом 400 означает,
// что пользователь отозвал доступ, и возвращается domain.ErrAppRevoked.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (domain.OAuthToken, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	src := r.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	start := time.Now()
	tok, err := src.Token()
	metrics.ObserveNetworkRequest("reddit", "refresh_token", r.oauth.Endpoint.TokenURL, start, err)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && revoked(retrieveErr) {
			return domain.OAuthToken{}, fmt.Errorf("refresh reddit token: %w", domain.ErrAppRevoked)
		}
		return domain.OAuthToken{}, fmt.Errorf("refresh reddit token: %w", err)
	}
	return domain.OAuthToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}, nil
}

func revoked(err *oauth2.RetrieveError) bool {
	if err.Response != nil && err.Response.StatusCode == http.StatusBadRequest {
		return true
	}
	return err.ErrorCode == "invalid_grant"
}

type userAgentTransport struct {
	agent string
	base  http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.agent == "" {
		return t.base.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", t.agent)
	return t.base.RoundTrip(clone)
}
