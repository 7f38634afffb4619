package artifactstore

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	mio "github.com/Snapier494/mediacache/libs/minio"

	"github.com/minio/minio-go/v7"
)

type minioStore struct {
	db     *minio.Client
	bucket string
	prefix string

	// lane bounds concurrent round trips against the bucket, keeping
	// store traffic off whatever politeness limits govern fetches.
	lane chan struct{}
}

func NewMinIOStore(ctx context.Context, cfg mio.Config, prefix string, laneSize int) (*minioStore, error) {
	mioClient, err := mio.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}

	s := &minioStore{
		db:     mioClient,
		bucket: cfg.Bucket,
		prefix: prefix,
	}
	if laneSize > 0 {
		s.lane = make(chan struct{}, laneSize)
	}

	return s, nil
}

func (s *minioStore) Stat(ctx context.Context, key string) (*StatResult, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	objectName, err := s.objectName(key)
	if err != nil {
		return nil, err
	}

	info, err := s.db.StatObject(ctx, s.bucket, objectName, minio.StatObjectOptions{})
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == minio.NoSuchKey {
			return nil, nil
		}
		return nil, fmt.Errorf("stat object: %w", err)
	}

	return &StatResult{
		LastModified: info.LastModified,
		Checksum:     strings.Trim(info.ETag, `"`),
	}, nil
}

func (s *minioStore) Persist(ctx context.Context, key string, data []byte, meta Meta) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	objectName, err := s.objectName(key)
	if err != nil {
		return err
	}

	_, err = s.db.PutObject(ctx, s.bucket, objectName,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{
			ContentType:  "image/jpeg",
			CacheControl: "max-age=172800",
			UserMetadata: map[string]string{
				"Width":  strconv.Itoa(meta.Width),
				"Height": strconv.Itoa(meta.Height),
			},
		})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}

	return nil
}

func (s *minioStore) acquire(ctx context.Context) (func(), error) {
	if s.lane == nil {
		return func() {}, nil
	}

	select {
	case s.lane <- struct{}{}:
		return func() { <-s.lane }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *minioStore) objectName(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("empty key")
	}

	clean := path.Clean(key)
	if strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid key: %s", key)
	}

	clean = strings.TrimLeft(clean, "/")

	return s.prefix + clean, nil
}
