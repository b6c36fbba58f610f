package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"picx/pkg/storage"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// BucketConfig holds the connection settings for an S3-compatible bucket.
type BucketConfig struct {
	Endpoint        string `toml:"endpoint"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	Bucket          string `toml:"bucket"`
	Region          string `toml:"region"`
	Secure          bool   `toml:"secure"`

	// Transport overrides the HTTP transport used by the S3 client.
	Transport http.RoundTripper `toml:"-"`
}

// BucketProvider stores objects directly in a strongly consistent
// S3-compatible bucket. Every operation is a single call to the store.
type BucketProvider struct {
	core    *minio.Core
	bucket  string
	baseURL string
}

var _ storage.Provider = (*BucketProvider)(nil)

// NewBucketProvider creates a provider for cfg. No request is made until the
// first operation.
func NewBucketProvider(cfg BucketConfig, baseURL string) (*BucketProvider, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("bucket endpoint must not be empty")
	}

	if cfg.Bucket == "" {
		return nil, errors.New("bucket name must not be empty")
	}

	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	core, err := minio.NewCore(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure:       cfg.Secure,
		Region:       region,
		BucketLookup: minio.BucketLookupPath,
		Transport:    cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	return &BucketProvider{
		core:    core,
		bucket:  cfg.Bucket,
		baseURL: strings.TrimRight(baseURL, "/"),
	}, nil
}

// bucketPartSize bounds the memory a single upload buffers. Bodies up to this
// size go out as one PUT; larger bodies of unknown length are sent in parts of
// this size.
const bucketPartSize = 16 << 20

// lengther is implemented by in-memory readers such as bytes.Reader.
type lengther interface {
	Len() int
}

// sizedBody returns body together with its length. Readers that cannot report
// their length are buffered up to one part, so small bodies still get a
// single PUT. A size of -1 means the body is larger than one part.
func sizedBody(body io.Reader) (io.Reader, int64, error) {
	if l, ok := body.(lengther); ok {
		return body, int64(l.Len()), nil
	}

	if s, ok := body.(io.Seeker); ok {
		cur, err := s.Seek(0, io.SeekCurrent)
		if err == nil {
			end, err := s.Seek(0, io.SeekEnd)
			if err != nil {
				return nil, 0, fmt.Errorf("seek body: %w", err)
			}
			if _, err := s.Seek(cur, io.SeekStart); err != nil {
				return nil, 0, fmt.Errorf("seek body: %w", err)
			}
			return body, end - cur, nil
		}
	}

	head, err := io.ReadAll(io.LimitReader(body, bucketPartSize+1))
	if err != nil {
		return nil, 0, fmt.Errorf("read body: %w", err)
	}
	if len(head) <= bucketPartSize {
		return bytes.NewReader(head), int64(len(head)), nil
	}
	return io.MultiReader(bytes.NewReader(head), body), -1, nil
}

func (p *BucketProvider) Put(ctx context.Context, key string, body io.Reader, opts storage.PutOptions) (storage.Result, error) {
	key = NormalizeKey(key)

	body, size, err := sizedBody(body)
	if err != nil {
		return storage.Result{}, fmt.Errorf("put object %q: %w", key, err)
	}

	info, err := p.core.Client.PutObject(ctx, p.bucket, key, body, size, minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: opts.Metadata,
		PartSize:     bucketPartSize,
	})
	if err != nil {
		return storage.Result{}, fmt.Errorf("put object %q: %w", key, err)
	}

	slog.Debug("Stored object in bucket", "bucket", p.bucket, "key", key, "size", info.Size)
	return storage.Result{Key: key, Size: info.Size}, nil
}

func (p *BucketProvider) Get(ctx context.Context, key string, opts storage.GetOptions) (*storage.Object, error) {
	key = NormalizeKey(key)

	getOpts := minio.GetObjectOptions{}
	if opts.Range != nil {
		if err := getOpts.SetRange(opts.Range.Offset, opts.Range.Offset+opts.Range.Length-1); err != nil {
			return nil, fmt.Errorf("get object %q: %w", key, err)
		}
	}

	body, info, _, err := p.core.GetObject(ctx, p.bucket, key, getOpts)
	if isNoSuchKey(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get object %q: %w", key, err)
	}

	return &storage.Object{
		ObjectInfo: objectInfo(info),
		Body:       body,
	}, nil
}

func (p *BucketProvider) Head(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	key = NormalizeKey(key)

	info, err := p.core.StatObject(ctx, p.bucket, key, minio.StatObjectOptions{})
	if isNoSuchKey(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat object %q: %w", key, err)
	}

	result := objectInfo(info)
	return &result, nil
}

func (p *BucketProvider) Delete(ctx context.Context, key string) error {
	key = NormalizeKey(key)

	err := p.core.RemoveObject(ctx, p.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && !isNoSuchKey(err) {
		return fmt.Errorf("remove object %q: %w", key, err)
	}
	return nil
}

func (p *BucketProvider) PublicURL(key string) string {
	return p.baseURL + "/rest/" + NormalizeKey(key)
}

// objectInfo converts a stat result. User metadata keys travel as HTTP
// headers and come back case-folded, so they are returned in lower case.
func objectInfo(info minio.ObjectInfo) storage.ObjectInfo {
	metadata := make(map[string]string, len(info.UserMetadata))
	for k, v := range info.UserMetadata {
		metadata[strings.ToLower(k)] = v
	}

	return storage.ObjectInfo{
		Size:        info.Size,
		ContentType: info.ContentType,
		Metadata:    metadata,
	}
}

func isNoSuchKey(err error) bool {
	if err == nil {
		return false
	}
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
