package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"
)

// ErrObjectNotFound is returned by HeadObject when the key does not exist
var ErrObjectNotFound = errors.New("object not found")

// Client defines the interface for S3-compatible storage operations
type Client interface {
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts PutOptions) error
	HeadObject(ctx context.Context, bucket, key string) (ObjectInfo, error)
	// ListObjects calls fn for every object under prefix and stops at the first error fn returns
	ListObjects(ctx context.Context, bucket, prefix string, fn func(ObjectInfo) error) error
	BucketExists(ctx context.Context, bucket string) (bool, error)
}

// ObjectInfo contains object metadata
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	ContentType  string
	Metadata     map[string]string
}

// PutOptions contains options for put operations
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Config contains client configuration
type Config struct {
	// Endpoint is host:port or a URL without a path. A URL scheme overrides Secure.
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Secure    bool
}

// Host returns the endpoint as host:port and whether TLS is used
func (c Config) Host() (string, bool, error) {
	if c.Endpoint == "" {
		return "", false, fmt.Errorf("endpoint cannot be empty")
	}

	if !strings.Contains(c.Endpoint, "://") {
		if strings.Contains(c.Endpoint, "/") {
			return "", false, fmt.Errorf("endpoint %q has a path but no scheme", c.Endpoint)
		}
		return c.Endpoint, c.Secure, nil
	}

	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return "", false, fmt.Errorf("failed to parse endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Path != "" && u.Path != "/" {
		return "", false, fmt.Errorf("endpoint must not have a path, got %s", u.Path)
	}
	return u.Host, u.Scheme == "https", nil
}

// URL returns the endpoint as a base URL
func (c Config) URL() (string, error) {
	host, secure, err := c.Host()
	if err != nil {
		return "", err
	}
	if secure {
		return "https://" + host, nil
	}
	return "http://" + host, nil
}
