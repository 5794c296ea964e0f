package content

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

// MinioResolver reads s3://bucket/key references from an S3-compatible store.
type MinioResolver struct {
	client *minio.Client
}

func NewMinioResolver(cfg MinioConfig) (*MinioResolver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinioResolver{client: client}, nil
}

// ParseObjectRef splits s3://bucket/key into its parts.
func ParseObjectRef(ref string) (bucket, key string, err error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("not an s3 reference: %s", ref)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 reference needs bucket and key: %s", ref)
	}
	return bucket, key, nil
}

func (m *MinioResolver) Resolve(ctx context.Context, ref string) (io.ReadCloser, error) {
	bucket, key, err := ParseObjectRef(ref)
	if err != nil {
		return nil, unavailable(ref, err)
	}
	// GetObject is lazy; Stat surfaces missing objects before decoding starts.
	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, unavailable(ref, err)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, unavailable(ref, err)
	}
	return obj, nil
}
