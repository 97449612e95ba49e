// Package events publishes scan completion events.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dharsanguruparan/VaultScan/internal/auth"
	"github.com/dharsanguruparan/VaultScan/internal/model"
)

// Publisher delivers a completion event. A returned error means downstream
// consumers did not receive it.
type Publisher interface {
	Publish(ctx context.Context, event *model.ScanRequest) error
}

// BusPublisher posts events to the HTTP event bus.
type BusPublisher struct {
	url        string
	httpClient *http.Client
	token      auth.TokenProvider
	logger     *slog.Logger
}

// NewBusPublisher returns a publisher posting to eventsURL. httpClient may be
// nil.
func NewBusPublisher(eventsURL string, httpClient *http.Client, token auth.TokenProvider, logger *slog.Logger) *BusPublisher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &BusPublisher{
		url:        eventsURL,
		httpClient: httpClient,
		token:      token,
		logger:     logger.With(slog.String("component", "bus")),
	}
}

func (p *BusPublisher) Publish(ctx context.Context, event *model.ScanRequest) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build bus request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != nil {
		tok, err := p.token(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post to bus: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("post to bus: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	p.logger.Debug("event posted", slog.String("topic", event.Topic), slog.Int("status", resp.StatusCode))
	return nil
}
