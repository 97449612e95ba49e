// Package retrieval fetches uploaded files either from the object store or
// from a plain HTTP location.
package retrieval

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dharsanguruparan/VaultScan/internal/model"
)

// Error reports a file that could not be fetched. Processing of the message
// stops and relies on redelivery.
type Error struct {
	URL string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("retrieve %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ObjectReader is the slice of the object store the retriever needs.
type ObjectReader interface {
	Get(ctx context.Context, loc model.Location) (io.ReadCloser, error)
}

// Retriever downloads file bytes by URL.
type Retriever struct {
	objects  ObjectReader
	client   *http.Client
	endpoint string
	maxBytes int64
	logger   *slog.Logger
}

// New constructs a Retriever. endpoint is the object-store host used to
// recognise path-style URLs; maxBytes caps every download.
func New(objects ObjectReader, client *http.Client, endpoint string, maxBytes int64, logger *slog.Logger) *Retriever {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Retriever{
		objects:  objects,
		client:   client,
		endpoint: endpoint,
		maxBytes: maxBytes,
		logger:   logger.With(slog.String("component", "retriever")),
	}
}

// Fetch returns the exact bytes stored at rawURL.
func (r *Retriever) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if loc, ok := ParseObjectURL(rawURL, r.endpoint); ok {
		r.logger.Info("file is in object storage",
			slog.String("bucket", loc.Bucket),
			slog.String("key", loc.Key),
		)
		data, err := r.fetchObject(ctx, loc)
		if err != nil {
			return nil, &Error{URL: rawURL, Err: err}
		}
		return data, nil
	}
	r.logger.Info("file is at a public URL", slog.String("url", rawURL))
	data, err := r.fetchHTTP(ctx, rawURL)
	if err != nil {
		return nil, &Error{URL: rawURL, Err: err}
	}
	return data, nil
}

func (r *Retriever) fetchObject(ctx context.Context, loc model.Location) ([]byte, error) {
	body, err := r.objects.Get(ctx, loc)
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", loc, err)
	}
	defer body.Close()
	return r.readLimited(body)
}

func (r *Retriever) fetchHTTP(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return r.readLimited(resp.Body)
}

func (r *Retriever) readLimited(body io.Reader) ([]byte, error) {
	if r.maxBytes <= 0 {
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		return data, nil
	}
	data, err := io.ReadAll(io.LimitReader(body, r.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > r.maxBytes {
		return nil, fmt.Errorf("file exceeds limit (%d bytes)", r.maxBytes)
	}
	return data, nil
}
