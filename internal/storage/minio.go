// internal/storage/minio.go
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"liverscan-back/internal/config"
)

type MinIOClient struct {
	client *minio.Client
	bucket string
}

func NewMinIOClient(cfg *config.Config) (*MinIOClient, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	// Create bucket if it doesn't exist
	ctx := context.Background()
	exists, err := client.BucketExists(ctx, cfg.MinioBucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}

	if !exists {
		err = client.MakeBucket(ctx, cfg.MinioBucket, minio.MakeBucketOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &MinIOClient{
		client: client,
		bucket: cfg.MinioBucket,
	}, nil
}

// UploadFromReader uploads from an io.Reader
func (m *MinIOClient) UploadFromReader(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) (string, error) {
	_, err := m.client.PutObject(ctx, m.bucket, objectName, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to MinIO: %w", err)
	}

	return objectName, nil
}

// UploadBytes stores an in-memory artifact, e.g. a produced mask volume.
func (m *MinIOClient) UploadBytes(ctx context.Context, objectName string, data []byte, contentType string) (string, error) {
	return m.UploadFromReader(ctx, objectName, bytes.NewReader(data), int64(len(data)), contentType)
}

// GetObject returns an object reader
func (m *MinIOClient) GetObject(ctx context.Context, objectName string) (*minio.Object, error) {
	object, err := m.client.GetObject(ctx, m.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	return object, nil
}

// ReadObject returns the object as a plain reader.
func (m *MinIOClient) ReadObject(ctx context.Context, objectName string) (io.ReadCloser, error) {
	obj, err := m.GetObject(ctx, objectName)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// DeleteFile deletes a file from MinIO
func (m *MinIOClient) DeleteFile(ctx context.Context, objectName string) error {
	err := m.client.RemoveObject(ctx, m.bucket, objectName, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to delete from MinIO: %w", err)
	}
	return nil
}

// PresignedURL generates a presigned URL for downloading
func (m *MinIOClient) PresignedURL(ctx context.Context, objectName string) (string, error) {
	url, err := m.client.PresignedGetObject(ctx, m.bucket, objectName, time.Hour, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return url.String(), nil
}

// SourceObjectName builds the storage key for an uploaded scan volume.
func SourceObjectName(scanID uint, filename string) string {
	ext := filepath.Ext(filename)
	return fmt.Sprintf("scans/%d/source/%s%s", scanID, uuid.New().String(), ext)
}

// MaskObjectName builds the storage key for a produced segmentation mask.
func MaskObjectName(scanID uint) string {
	return fmt.Sprintf("scans/%d/masks/%s.nii", scanID, uuid.New().String())
}
