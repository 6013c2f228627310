package subscriptions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"feed-scheduler/internal/domain"
	"feed-scheduler/internal/infra/metrics"
)

// Client обращается к внешнему сервису подписок серверов.
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout <= 0 {
			return
		}
		if c.httpClient == nil {
			c.httpClient = &http.Client{}
		}
		c.httpClient.Timeout = timeout
	}
}

// WithToken задаёт bearer-токен сервиса.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type subscriptionDTO struct {
	GuildID                  string     `json:"guild_id"`
	ExtraFeeds               int        `json:"extra_feeds"`
	RefreshRate              int        `json:"refresh_rate"`
	ExpireAt                 *time.Time `json:"expire_at"`
	IgnoreRefreshRateBenefit bool       `json:"ignore_refresh_rate_benefit"`
}

type listResponse struct {
	Subscriptions []subscriptionDTO `json:"subscriptions"`
}

// New создаёт клиент сервиса подписок. baseURL обязателен, остальное задаётся опциями.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Scheme == "" {
		parsed.Scheme = "http"
	}
	client := &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// GetSubscriptions возвращает подписки серверов. Ответ 404 означает, что подписок нет.
func (c *Client) GetSubscriptions(ctx context.Context, guildIDs []string) ([]domain.GuildSubscription, error) {
	if len(guildIDs) == 0 {
		return nil, nil
	}
	query := url.Values{"guild_ids": []string{strings.Join(guildIDs, ",")}}
	var resp listResponse
	found, err := c.get(ctx, "/api/v1/guilds/subscriptions", query, &resp)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	out := make([]domain.GuildSubscription, 0, len(resp.Subscriptions))
	for _, s := range resp.Subscriptions {
		out = append(out, domain.GuildSubscription{
			GuildID:                  s.GuildID,
			ExtraFeeds:               s.ExtraFeeds,
			RefreshRateSeconds:       s.RefreshRate,
			ExpireAt:                 s.ExpireAt,
			IgnoreRefreshRateBenefit: s.IgnoreRefreshRateBenefit,
		})
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) (bool, error) {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query)
	if err != nil {
		return false, err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values) (*http.Request, error) {
	resolved := *c.baseURL
	basePath := strings.TrimSuffix(c.baseURL.Path, "/")
	resolved.Path = path.Clean(basePath + endpoint)
	resolved.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, method, resolved.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) (bool, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.ObserveNetworkRequest("subscriptions", "get_subscriptions", req.URL.Host, start, err)
	if err != nil {
		return false, fmt.Errorf("subscriptions api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	if resp.StatusCode >= 300 {
		var apiErr apiError
		data, readErr := io.ReadAll(resp.Body)
		if readErr == nil && len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(data))
		}
		return false, mapAPIError(resp.StatusCode, apiErr)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return true, nil
}

func mapAPIError(status int, err apiError) error {
	if err.Code == "" {
		return fmt.Errorf("subscriptions api error: status=%d message=%s", status, err.Error)
	}
	return fmt.Errorf("subscriptions api error [%s]: %s", err.Code, err.Error)
}

var _ domain.GuildSubscriptions = (*Client)(nil)
