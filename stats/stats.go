// Package stats looks up players in the game-statistics REST API. Responses
// are passed through as raw JSON; the frontend does not interpret them.
package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const summonerPath = "/lol/summoner/v4/summoners/by-name/"

var (
	ErrBadRegion = errors.New("stats: invalid region")
	ErrNoPlayer  = errors.New("stats: player name is required")
	ErrNoAPIKey  = errors.New("stats: api key is required")
)

// Regions are platform routing values such as "na1" or "euw1".
var regionPattern = regexp.MustCompile(`^[a-z0-9]{2,8}$`)

// StatusError is returned for any non-2xx answer.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stats: upstream returned %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	// BaseURL may contain one %s, replaced by the region.
	BaseURL string
	HTTP    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient allows perSecond requests per second with a burst of one.
// perSecond <= 0 disables limiting.
func NewClient(baseURL string, perSecond float64, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

func (c *Client) endpoint(region, player string) string {
	base := c.BaseURL
	if strings.Contains(base, "%s") {
		base = fmt.Sprintf(base, region)
	}
	return strings.TrimRight(base, "/") + summonerPath + url.PathEscape(player)
}

// Summoner fetches one player's summary. The key is sent as a header, never
// in the URL, so it does not end up in access logs.
func (c *Client) Summoner(ctx context.Context, region, player, apiKey string) (json.RawMessage, error) {
	region = strings.ToLower(strings.TrimSpace(region))
	player = strings.TrimSpace(player)
	switch {
	case !regionPattern.MatchString(region):
		return nil, ErrBadRegion
	case player == "":
		return nil, ErrNoPlayer
	case apiKey == "":
		return nil, ErrNoAPIKey
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(region, player), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Riot-Token", apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Info("stats lookup rejected", zap.String("region", region), zap.Int("status", resp.StatusCode))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("stats: upstream returned invalid JSON")
	}
	return json.RawMessage(body), nil
}
