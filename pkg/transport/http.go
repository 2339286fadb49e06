package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPTransport streams http and https URLs.
type HTTPTransport struct {
	client    *http.Client
	chunkSize int
}

// NewHTTPTransport creates a transport. timeout bounds the whole request,
// zero means no limit.
func NewHTTPTransport(timeout time.Duration, chunkSize int) *HTTPTransport {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &HTTPTransport{
		client:    &http.Client{Timeout: timeout},
		chunkSize: chunkSize,
	}
}

func (h *HTTPTransport) Get(ctx context.Context, uri string, onChunk ChunkFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", uri, err)
	}
	// Closing the body before it is drained tears the connection down, which
	// is what aborts the in-flight request.
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download %s, received status code: %d", uri, resp.StatusCode)
	}

	return pump(ctx, resp.Body, make([]byte, h.chunkSize), onChunk)
}
