package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/benmeehan/iot-ota/pkg/s3"
)

// ObjectStorageTransport streams s3://bucket/object URIs through an object
// storage client.
type ObjectStorageTransport struct {
	storage   s3.ObjectStorageClient
	chunkSize int
}

func NewObjectStorageTransport(storage s3.ObjectStorageClient, chunkSize int) *ObjectStorageTransport {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &ObjectStorageTransport{storage: storage, chunkSize: chunkSize}
}

// ParseObjectURI splits s3://bucket/path/to/object.
func ParseObjectURI(uri string) (bucket, object string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("invalid uri %q: %w", uri, err)
	}
	bucket = u.Host
	object = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || object == "" {
		return "", "", fmt.Errorf("uri %q must be s3://bucket/object", uri)
	}
	return bucket, object, nil
}

func (o *ObjectStorageTransport) Get(ctx context.Context, uri string, onChunk ChunkFunc) error {
	bucket, object, err := ParseObjectURI(uri)
	if err != nil {
		return err
	}

	body, _, err := o.storage.OpenObject(ctx, bucket, object)
	if err != nil {
		return err
	}
	defer body.Close()

	return pump(ctx, body, make([]byte, o.chunkSize), onChunk)
}
