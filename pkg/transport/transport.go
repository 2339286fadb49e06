// Package transport delivers a remote firmware image as a sequence of chunks
// to a caller supplied callback, without buffering the whole body.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// DefaultChunkSize is the receive buffer used when none is configured.
const DefaultChunkSize = 4096

var (
	// ErrAborted wraps the error returned by a ChunkFunc that stopped the transfer.
	ErrAborted           = errors.New("transfer aborted by receiver")
	ErrUnsupportedScheme = errors.New("unsupported uri scheme")
)

// ChunkFunc receives the body in strictly increasing order. The slice is only
// valid for the duration of the call. Returning an error aborts the transfer.
type ChunkFunc func(chunk []byte) error

// Transport fetches uri and feeds its body to onChunk. Get blocks until the
// body is consumed, the transfer fails, ctx is done or onChunk returns an error.
type Transport interface {
	Get(ctx context.Context, uri string, onChunk ChunkFunc) error
}

// Router dispatches on the uri scheme.
type Router struct {
	transports map[string]Transport
}

func NewRouter() *Router {
	return &Router{transports: map[string]Transport{}}
}

// Register binds scheme (without "://") to t.
func (r *Router) Register(scheme string, t Transport) {
	r.transports[strings.ToLower(scheme)] = t
}

func (r *Router) Get(ctx context.Context, uri string, onChunk ChunkFunc) error {
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("invalid uri %q: %w", uri, err)
	}
	t, ok := r.transports[strings.ToLower(u.Scheme)]
	if !ok {
		return fmt.Errorf("%q: %w", u.Scheme, ErrUnsupportedScheme)
	}
	return t.Get(ctx, uri, onChunk)
}

// pump copies body to onChunk through buf.
func pump(ctx context.Context, body io.Reader, buf []byte, onChunk ChunkFunc) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := io.ReadFull(body, buf)
		if n > 0 {
			if err := onChunk(buf[:n]); err != nil {
				return fmt.Errorf("%w: %w", ErrAborted, err)
			}
		}

		switch readErr {
		case nil:
		case io.EOF, io.ErrUnexpectedEOF:
			return nil
		default:
			return fmt.Errorf("failed to read body: %w", readErr)
		}
	}
}
