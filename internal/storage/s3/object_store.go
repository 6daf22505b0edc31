// Package s3 implements storage.ObjectStore on Amazon S3 or any S3-compatible
// service (MinIO, R2) reachable through a custom endpoint.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"golang.org/x/sync/errgroup"

	"github.com/scrypster/mailvault/internal/storage"
)

// headConcurrency bounds the HeadObject calls issued per listing page.
// S3 listings carry no user metadata, so every listed object needs one.
const headConcurrency = 8

// Config selects the bucket and endpoint.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string // optional, enables path-style addressing
}

// ObjectStore implements storage.ObjectStore against one bucket.
type ObjectStore struct {
	client *s3.Client
	bucket string
}

// NewObjectStore loads AWS configuration from the environment or IAM role and
// returns a store for cfg.Bucket.
func NewObjectStore(ctx context.Context, cfg Config) (*ObjectStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewObjectStoreWithClient(client, cfg.Bucket), nil
}

// NewObjectStoreWithClient wraps an existing client.
func NewObjectStoreWithClient(client *s3.Client, bucket string) *ObjectStore {
	return &ObjectStore{client: client, bucket: bucket}
}

// Bucket returns the bucket name.
func (s *ObjectStore) Bucket() string {
	return s.bucket
}

func (s *ObjectStore) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
		Metadata:      storage.CopyMetadata(metadata),
	})
	if err != nil {
		return ioErr("put "+key, err)
	}
	return nil
}

func (s *ObjectStore) Get(ctx context.Context, key string) (*storage.Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, ioErr("get "+key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, ioErr("read "+key, err)
	}
	return &storage.Object{Key: key, Data: data, Metadata: storage.CopyMetadata(out.Metadata)}, nil
}

func (s *ObjectStore) Stat(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, ioErr("head "+key, err)
	}
	return &storage.ObjectInfo{
		Key:      key,
		Size:     aws.ToInt64(out.ContentLength),
		Metadata: storage.CopyMetadata(out.Metadata),
	}, nil
}

func (s *ObjectStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ioErr("delete "+key, err)
	}
	return nil
}

// List returns one ListObjectsV2 page. Metadata is filled by a bounded fan-out
// of HeadObject calls; an object deleted between list and head is dropped.
func (s *ObjectStore) List(ctx context.Context, opts storage.ObjectListOptions) (*storage.ObjectListResult, error) {
	in := &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(opts.Prefix),
		MaxKeys: aws.Int32(storage.DefaultObjectPageSize),
	}
	if opts.Cursor != "" {
		in.ContinuationToken = aws.String(opts.Cursor)
	}

	out, err := s.client.ListObjectsV2(ctx, in)
	if err != nil {
		return nil, ioErr("list "+opts.Prefix, err)
	}

	infos := make([]*storage.ObjectInfo, len(out.Contents))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(headConcurrency)
	for i, obj := range out.Contents {
		g.Go(func() error {
			info, err := s.Stat(gctx, aws.ToString(obj.Key))
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			infos[i] = info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &storage.ObjectListResult{Complete: !aws.ToBool(out.IsTruncated)}
	if !res.Complete {
		res.Cursor = aws.ToString(out.NextContinuationToken)
	}
	for _, info := range infos {
		if info != nil {
			res.Objects = append(res.Objects, *info)
		}
	}
	return res, nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func ioErr(op string, err error) error {
	return fmt.Errorf("s3: %s: %w: %w", op, storage.ErrStoreIO, err)
}
