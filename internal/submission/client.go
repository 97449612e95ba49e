// Package submission talks to the submission API: it records where a clean
// submission ended up and files the antivirus review for it.
package submission

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dharsanguruparan/VaultScan/internal/auth"
)

// APIError is a non-2xx answer from the submission API.
type APIError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Status, e.Body)
}

// ErrReviewTypeNotFound is returned when a review type name resolves to
// nothing.
var ErrReviewTypeNotFound = errors.New("review type not found")

// Review is the body of POST /reviews.
type Review struct {
	Score        float64 `json:"score"`
	ReviewerID   string  `json:"reviewerId"`
	SubmissionID string  `json:"submissionId"`
	ScoreCardID  string  `json:"scoreCardId"`
	TypeID       string  `json:"typeId"`
}

// Options configures a Client.
type Options struct {
	// BaseURL is the API root, e.g. http://localhost:3010/api/v5.
	BaseURL string
	// SubmissionsURL overrides BaseURL+"/submissions" for the PATCH call.
	SubmissionsURL string
	HTTPClient     *http.Client
	Token          auth.TokenProvider
	// CacheTTL bounds how long a resolved review type id is kept; zero keeps
	// it for the life of the process.
	CacheTTL time.Duration
	// OnCacheLookup, when set, observes every review type cache lookup.
	OnCacheLookup func(hit bool)
}

// Client is safe for concurrent use.
type Client struct {
	baseURL        string
	submissionsURL string
	httpClient     *http.Client
	token          auth.TokenProvider
	reviewTypes    *expirable.LRU[string, string]
	onLookup       func(hit bool)
	logger         *slog.Logger
}

const reviewTypeCacheSize = 64

// NewClient builds a Client.
func NewClient(opts Options, logger *slog.Logger) *Client {
	base := strings.TrimRight(opts.BaseURL, "/")
	submissions := strings.TrimRight(opts.SubmissionsURL, "/")
	if submissions == "" {
		submissions = base + "/submissions"
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:        base,
		submissionsURL: submissions,
		httpClient:     hc,
		token:          opts.Token,
		reviewTypes:    expirable.NewLRU[string, string](reviewTypeCacheSize, nil, opts.CacheTTL),
		onLookup:       opts.OnCacheLookup,
		logger:         logger.With(slog.String("component", "submission_client")),
	}
}

// UpdateSubmissionURL points the submission record at its new location.
func (c *Client) UpdateSubmissionURL(ctx context.Context, submissionID, location string) error {
	endpoint := c.submissionsURL + "/" + url.PathEscape(submissionID)
	return c.do(ctx, http.MethodPatch, endpoint, map[string]string{"url": location}, nil)
}

// CreateReview files a review for a submission.
func (c *Client) CreateReview(ctx context.Context, review Review) error {
	return c.do(ctx, http.MethodPost, c.baseURL+"/reviews", review, nil)
}

// ReviewTypeID resolves a review type name to its id. Results are cached;
// concurrent misses may both hit the API, and the last answer wins.
func (c *Client) ReviewTypeID(ctx context.Context, name string) (string, error) {
	id, ok := c.reviewTypes.Get(name)
	if c.onLookup != nil {
		c.onLookup(ok)
	}
	if ok {
		return id, nil
	}

	endpoint := c.baseURL + "/reviewTypes?" + url.Values{"name": {name}}.Encode()
	var types []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &types); err != nil {
		return "", err
	}
	if len(types) == 0 || types[0].ID == "" {
		return "", fmt.Errorf("%w: %q", ErrReviewTypeNotFound, name)
	}
	c.reviewTypes.Add(name, types[0].ID)
	c.logger.Debug("review type resolved", slog.String("name", name), slog.String("id", types[0].ID))
	return types[0].ID, nil
}

// Invalidate drops a cached review type id.
func (c *Client) Invalidate(name string) {
	c.reviewTypes.Remove(name)
}

func (c *Client) do(ctx context.Context, method, endpoint string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, endpoint, err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, endpoint, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != nil {
		tok, err := c.token(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Method: method, URL: endpoint, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, endpoint, err)
	}
	return nil
}
