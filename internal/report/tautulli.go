package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"plexwrapped/internal/logging"
	"plexwrapped/internal/metrics"
)

// maxBodySize bounds how much of a Tautulli response is read.
const maxBodySize = 32 << 20

const historyPageSize = 1000

// ErrAPI is returned when Tautulli answers with result != "success".
var ErrAPI = errors.New("tautulli api error")

// TautulliUser is the subset of get_user the report needs.
type TautulliUser struct {
	UserID       int    `json:"user_id"`
	Username     string `json:"username"`
	FriendlyName string `json:"friendly_name"`
}

// Name is the display name, falling back to the username.
func (u TautulliUser) Name() string {
	if u.FriendlyName != "" {
		return u.FriendlyName
	}
	return u.Username
}

// HistoryRecord is one play from get_history. Duration is in seconds.
type HistoryRecord struct {
	Date             int64   `json:"date"`
	Duration         *int64  `json:"duration"`
	PlayDuration     *int64  `json:"play_duration"`
	MediaType        string  `json:"media_type"`
	Title            string  `json:"title"`
	FullTitle        string  `json:"full_title"`
	GrandparentTitle *string `json:"grandparent_title"`
}

// Seconds is the watched time of the play.
func (r HistoryRecord) Seconds() int64 {
	switch {
	case r.PlayDuration != nil:
		return *r.PlayDuration
	case r.Duration != nil:
		return *r.Duration
	}
	return 0
}

type historyPage struct {
	RecordsFiltered int             `json:"recordsFiltered"`
	Data            []HistoryRecord `json:"data"`
}

type envelope struct {
	Response struct {
		Result  string          `json:"result"`
		Message *string         `json:"message"`
		Data    json.RawMessage `json:"data"`
	} `json:"response"`
}

// Client talks to one Tautulli instance. Limiter and Breaker are shared between
// clients so throttling survives settings changes.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]byte]
}

func NewClient(baseURL, apiKey string, httpClient *http.Client, limiter *rate.Limiter, breaker *gobreaker.CircuitBreaker[[]byte]) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    httpClient,
		limiter: limiter,
		breaker: breaker,
	}
}

// NewBreaker returns the circuit breaker used around Tautulli calls.
func NewBreaker() *gobreaker.CircuitBreaker[[]byte] {
	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "tautulli",
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
}

func (c *Client) GetUser(ctx context.Context, userID string) (TautulliUser, error) {
	var u TautulliUser
	err := c.call(ctx, "get_user", url.Values{"user_id": {userID}}, &u)
	return u, err
}

// GetHistory returns every play of userID in [from, to), fetching all pages.
func (c *Client) GetHistory(ctx context.Context, userID string, from, to time.Time) ([]HistoryRecord, error) {
	var out []HistoryRecord
	for start := 0; ; start += historyPageSize {
		params := url.Values{
			"user_id":      {userID},
			"after":        {from.AddDate(0, 0, -1).Format("2006-01-02")},
			"before":       {to.Format("2006-01-02")},
			"start":        {strconv.Itoa(start)},
			"length":       {strconv.Itoa(historyPageSize)},
			"order_column": {"date"},
			"order_dir":    {"asc"},
			"grouping":     {"0"},
		}
		var page historyPage
		if err := c.call(ctx, "get_history", params, &page); err != nil {
			return nil, err
		}
		for _, r := range page.Data {
			if t := time.Unix(r.Date, 0); !t.Before(from) && t.Before(to) {
				out = append(out, r)
			}
		}
		if len(page.Data) < historyPageSize || start+len(page.Data) >= page.RecordsFiltered {
			return out, nil
		}
	}
}

func (c *Client) call(ctx context.Context, cmd string, params url.Values, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	params.Set("apikey", c.apiKey)
	params.Set("cmd", cmd)
	reqURL := fmt.Sprintf("%s/api/v2?%s", c.baseURL, params.Encode())

	fetch := func() ([]byte, error) { return c.fetch(ctx, reqURL) }
	var (
		body []byte
		err  error
	)
	if c.breaker != nil {
		body, err = c.breaker.Execute(fetch)
	} else {
		body, err = fetch()
	}
	if err != nil {
		metrics.TautulliRequests.WithLabelValues(cmd, resultLabel(err)).Inc()
		return fmt.Errorf("tautulli %s: %w", cmd, err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		metrics.TautulliRequests.WithLabelValues(cmd, "decode_error").Inc()
		return fmt.Errorf("tautulli %s: decode: %w", cmd, err)
	}
	if env.Response.Result != "success" {
		metrics.TautulliRequests.WithLabelValues(cmd, "api_error").Inc()
		msg := "unknown error"
		if env.Response.Message != nil {
			msg = *env.Response.Message
		}
		return fmt.Errorf("tautulli %s: %w: %s", cmd, ErrAPI, msg)
	}
	if err := json.Unmarshal(env.Response.Data, out); err != nil {
		metrics.TautulliRequests.WithLabelValues(cmd, "decode_error").Inc()
		return fmt.Errorf("tautulli %s: decode data: %w", cmd, err)
	}
	metrics.TautulliRequests.WithLabelValues(cmd, "success").Inc()
	return nil
}

func (c *Client) fetch(ctx context.Context, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
}

func resultLabel(err error) string {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "rejected"
	}
	return "error"
}
