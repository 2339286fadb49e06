package s3

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStorageClient is the subset of object storage the agent needs to pull
// firmware images.
type ObjectStorageClient interface {
	Connect(endpoint, accessKeyID, secretAccessKey string, useSSL bool) error
	OpenObject(ctx context.Context, bucketName, objectName string) (io.ReadCloser, int64, error)
}

// ObjectStorage holds the minio client instance.
type ObjectStorage struct {
	Conn *minio.Client
}

// NewObjectStorage returns an unconnected client.
func NewObjectStorage() *ObjectStorage {
	return &ObjectStorage{}
}

// Connect creates the minio client. No request is made until an object is opened.
func (o *ObjectStorage) Connect(endpoint string, accessKeyID string, secretAccessKey string, useSSL bool) error {
	var err error
	o.Conn, err = minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return fmt.Errorf("failed to create minio client: %v", err)
	}
	return nil
}

// OpenObject starts streaming an object and reports its size.
func (o *ObjectStorage) OpenObject(ctx context.Context, bucketName, objectName string) (io.ReadCloser, int64, error) {
	if o.Conn == nil {
		return nil, 0, fmt.Errorf("object storage not connected")
	}

	obj, err := o.Conn.GetObject(ctx, bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get %s/%s: %w", bucketName, objectName, err)
	}

	// GetObject is lazy; Stat surfaces missing objects and auth errors.
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, 0, fmt.Errorf("failed to stat %s/%s: %w", bucketName, objectName, err)
	}

	return obj, info.Size, nil
}
