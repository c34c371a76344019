// Package archive stores immutable blobs produced by ingestion: the raw
// uploaded files and the generated error reports. Keys are derived from
// content hashes, so re-archiving identical bytes is a no-op.
package archive

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ledgerline/reconcile/pkg/canonicalize"
	"github.com/ledgerline/reconcile/pkg/contracts"
)

// BlobStore persists immutable blobs under caller-chosen keys. Put
// streams from r so large uploads never need to be held in memory.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Key builds the canonical blob key for tenant-scoped content: the
// content hash keeps identical uploads deduplicated per tenant.
func Key(tenantID, kind string, data []byte) string {
	sum := strings.TrimPrefix(canonicalize.HashBytes(data), "sha256:")
	return fmt.Sprintf("%s/%s/%s", tenantID, kind, sum)
}

// KeyForSum is Key for callers that hashed the content while streaming
// it. sum is a raw SHA-256 digest.
func KeyForSum(tenantID, kind string, sum []byte) string {
	return fmt.Sprintf("%s/%s/%x", tenantID, kind, sum)
}

// Open builds a store from a URL. s3://bucket[/prefix] uses AWS; mem://
// keeps blobs in process (tests and single-node setups). Empty URL means
// archival is disabled and callers get a nil store.
func Open(ctx context.Context, rawURL string) (BlobStore, error) {
	if rawURL == "" {
		return nil, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, contracts.WrapError(contracts.KindValidationFailed,
			"invalid archive url", err)
	}
	switch u.Scheme {
	case "mem":
		return NewMemory(), nil
	case "s3":
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("archive: load aws config: %w", err)
		}
		return NewS3(s3.NewFromConfig(cfg), u.Host, strings.TrimPrefix(u.Path, "/")), nil
	default:
		return nil, contracts.NewErrorf(contracts.KindValidationFailed,
			"unsupported archive scheme %q", u.Scheme)
	}
}

// Memory is the in-process store.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("archive: put %s: %w", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = data
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, contracts.NewErrorf(contracts.KindNotFound, "blob %s", key)
	}
	return append([]byte(nil), data...), nil
}

// S3 stores blobs in a bucket under an optional prefix.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3(client *s3.Client, bucket, prefix string) *S3 {
	return &S3{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *S3) Put(ctx context.Context, key string, r io.Reader) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("archive: put %s: %w", key, err)
	}
	return nil
}

func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return nil, fmt.Errorf("archive: get %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}
