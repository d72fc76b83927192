package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/bdougie/framesearch/internal/models"
)

type MinIOConfig struct {
	Endpoint    string
	AccessKey   string
	SecretKey   string
	UseSSL      bool
	VideoBucket string
	FrameBucket string
}

// MinIO keeps videos and frames in two buckets of an S3-compatible store.
// References have the form "<bucket>/<object>".
type MinIO struct {
	client      *miniogo.Client
	videoBucket string
	frameBucket string
}

func NewMinIO(cfg MinIOConfig) (*MinIO, error) {
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &MinIO{
		client:      client,
		videoBucket: cfg.VideoBucket,
		frameBucket: cfg.FrameBucket,
	}, nil
}

func (s *MinIO) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{s.videoBucket, s.frameBucket} {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if !exists {
			if err := s.client.MakeBucket(ctx, bucket, miniogo.MakeBucketOptions{}); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
	}
	return nil
}

func (s *MinIO) bucket(kind AssetKind) (string, error) {
	switch kind {
	case KindVideo:
		return s.videoBucket, nil
	case KindFrame:
		return s.frameBucket, nil
	}
	return "", fmt.Errorf("unknown asset kind %q", kind)
}

func (s *MinIO) Put(ctx context.Context, kind AssetKind, name string, r io.Reader, size int64) (string, error) {
	bucket, err := s.bucket(kind)
	if err != nil {
		return "", err
	}
	object, err := cleanName(name)
	if err != nil {
		return "", err
	}
	if size < 0 {
		size = -1
	}

	_, err = s.client.PutObject(ctx, bucket, object, r, size, miniogo.PutObjectOptions{
		ContentType: ContentType(object),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s/%s: %w", bucket, object, err)
	}
	return bucket + "/" + object, nil
}

func (s *MinIO) Open(ctx context.Context, kind AssetKind, ref string) (*Asset, error) {
	bucket, err := s.bucket(kind)
	if err != nil {
		return nil, err
	}
	object, ok := splitRef(bucket, ref)
	if !ok {
		return nil, models.Errorf(models.KindNotFound, "storage.open", "asset %q not found", ref)
	}

	info, err := s.client.StatObject(ctx, bucket, object, miniogo.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, models.Errorf(models.KindNotFound, "storage.open", "asset %q not found", ref)
		}
		return nil, fmt.Errorf("stat %s/%s: %w", bucket, object, err)
	}
	obj, err := s.client.GetObject(ctx, bucket, object, miniogo.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", bucket, object, err)
	}

	contentType := info.ContentType
	if contentType == "" {
		contentType = ContentType(object)
	}
	return &Asset{
		ReadCloser:  obj,
		Name:        object,
		Size:        info.Size,
		ContentType: contentType,
	}, nil
}

func (s *MinIO) Delete(ctx context.Context, kind AssetKind, ref string) error {
	bucket, err := s.bucket(kind)
	if err != nil {
		return err
	}
	object, ok := splitRef(bucket, ref)
	if !ok {
		return models.Errorf(models.KindNotFound, "storage.delete", "asset %q not found", ref)
	}
	if err := s.client.RemoveObject(ctx, bucket, object, miniogo.RemoveObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return models.Errorf(models.KindNotFound, "storage.delete", "asset %q not found", ref)
		}
		return fmt.Errorf("remove %s/%s: %w", bucket, object, err)
	}
	return nil
}

// splitRef accepts "<bucket>/<object>" or a bare object name.
func splitRef(bucket, ref string) (string, bool) {
	object := ref
	if prefix := bucket + "/"; strings.HasPrefix(ref, prefix) {
		object = strings.TrimPrefix(ref, prefix)
	}
	if object == "" || strings.Contains(object, "/") || strings.HasPrefix(object, ".") {
		return "", false
	}
	return object, true
}

func isNoSuchKey(err error) bool {
	switch miniogo.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket", "NoSuchObject":
		return true
	}
	return false
}
