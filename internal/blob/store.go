// Package blob implements the content-addressed object store described
// in spec §6: store_content/store_text/get_content/batch_get_text, plus
// the enumeration primitive the GC needs to scan for orphans.
package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/developer-mesh/hybrid-indexer/internal/config"
)

// ContentID is an opaque handle addressing one immutable blob. It is
// the hex-encoded sha256 of the blob's bytes, optionally namespaced by
// a caller-supplied prefix.
type ContentID string

// Object describes one stored blob for GC enumeration.
type Object struct {
	ContentID    ContentID
	Size         int64
	LastModified time.Time
}

// Store is the content-addressed blob store backed by S3 (or an
// S3-compatible endpoint such as LocalStack/MinIO in development).
type Store struct {
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	bucket     string
	prefix     string
}

// New builds a Store per cfg.
func New(ctx context.Context, cfg config.BlobConfig) (*Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{URL: cfg.Endpoint, HostnameImmutable: true, SigningRegion: cfg.Region}, nil
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("blob: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return &Store{
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
		bucket:     cfg.Bucket,
		prefix:     cfg.Prefix,
	}, nil
}

func contentID(data []byte, prefix string) ContentID {
	sum := sha256.Sum256(data)
	hexSum := hex.EncodeToString(sum[:])
	if prefix == "" {
		return ContentID(hexSum)
	}
	return ContentID(prefix + "/" + hexSum)
}

func (s *Store) key(id ContentID) string {
	if s.prefix == "" {
		return string(id)
	}
	return s.prefix + "/" + string(id)
}

// StoreContent stores raw bytes and returns their content-addressed
// id. prefix namespaces the key (e.g. by source type); contentType
// defaults to application/octet-stream.
func (s *Store) StoreContent(ctx context.Context, data []byte, contentType, prefix string) (ContentID, error) {
	id := contentID(data, prefix)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(id)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("blob: store content: %w", err)
	}
	return id, nil
}

// StoreText stores a UTF-8 string as text/plain.
func (s *Store) StoreText(ctx context.Context, text string) (ContentID, error) {
	return s.StoreContent(ctx, []byte(text), "text/plain; charset=utf-8", "")
}

// GetContent fetches the bytes for id.
func (s *Store) GetContent(ctx context.Context, id ContentID) ([]byte, error) {
	buf := manager.NewWriteAtBuffer(nil)
	_, err := s.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		return nil, fmt.Errorf("blob: get content %s: %w", id, err)
	}
	return buf.Bytes(), nil
}

// BatchGetText fetches several ids as decoded UTF-8 text, best-effort:
// a failed fetch is simply omitted from the returned map rather than
// failing the whole batch, since its caller (search result
// highlighting) skips a result whose content could not be fetched.
func (s *Store) BatchGetText(ctx context.Context, ids []ContentID) map[ContentID]string {
	out := make(map[ContentID]string, len(ids))
	for _, id := range ids {
		data, err := s.GetContent(ctx, id)
		if err != nil {
			continue
		}
		out[id] = string(data)
	}
	return out
}

// Delete removes a blob. Used only by GC after the grace period.
func (s *Store) Delete(ctx context.Context, id ContentID) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		return fmt.Errorf("blob: delete %s: %w", id, err)
	}
	return nil
}

// List enumerates every stored object, for the GC's reference scan.
func (s *Store) List(ctx context.Context) ([]Object, error) {
	var objects []Object
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
	if s.prefix != "" {
		input.Prefix = aws.String(s.prefix)
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("blob: list: %w", err)
		}
		for _, obj := range page.Contents {
			id := ContentID(aws.ToString(obj.Key))
			if s.prefix != "" {
				id = ContentID(aws.ToString(obj.Key)[len(s.prefix)+1:])
			}
			objects = append(objects, Object{
				ContentID:    id,
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return objects, nil
}
