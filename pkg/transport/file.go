package transport

import (
	"context"
	"fmt"
	"net/url"
	"os"
)

// FileTransport reads file:// URIs from the local filesystem. It lets the
// stage command and tests feed images without a server.
type FileTransport struct {
	chunkSize int
}

func NewFileTransport(chunkSize int) *FileTransport {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &FileTransport{chunkSize: chunkSize}
}

func (f *FileTransport) Get(ctx context.Context, uri string, onChunk ChunkFunc) error {
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("invalid uri %q: %w", uri, err)
	}
	path := u.Path
	if u.Scheme == "" {
		path = uri
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	return pump(ctx, file, make([]byte, f.chunkSize), onChunk)
}
