package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shandysiswandi/unimq/internal/pkg/config"
)

const (
	DriverS3     = "s3"
	DriverGCS    = "gcs"
	DriverMinIO  = "minio"
	DriverMemory = "memory"
)

var (
	ErrUnknownDriver = errors.New("storage: unknown driver")
	// ErrNoDriver means storage.driver is empty; callers fall back to disk.
	ErrNoDriver = errors.New("storage: no driver configured")
)

// Open builds the Store selected by storage.driver from the storage.* keys.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	str := func(key string) string { return strings.TrimSpace(cfg.GetString("storage." + key)) }

	switch driver := strings.ToLower(str("driver")); driver {
	case "":
		return nil, ErrNoDriver
	case DriverMemory:
		return NewMemory(), nil
	case DriverS3:
		return NewS3(ctx, S3Options{
			Bucket:       str("s3.bucket"),
			Region:       str("s3.region"),
			Endpoint:     str("s3.endpoint"),
			AccessKey:    str("s3.access_key"),
			SecretKey:    str("s3.secret_key"),
			SessionToken: str("s3.session_token"),
			UsePathStyle: cfg.GetBool("storage.s3.use_path_style"),
		})
	case DriverGCS:
		return NewGCS(ctx, GCSOptions{
			Bucket:          str("gcs.bucket"),
			Endpoint:        str("gcs.endpoint"),
			CredentialsFile: str("gcs.credentials_file"),
			AccessToken:     str("gcs.access_token"),
		})
	case DriverMinIO:
		return NewMinIO(ctx, MinIOOptions{
			Bucket:       str("minio.bucket"),
			Region:       str("minio.region"),
			Endpoint:     str("minio.endpoint"),
			AccessKey:    str("minio.access_key"),
			SecretKey:    str("minio.secret_key"),
			SessionToken: str("minio.session_token"),
			UseSSL:       cfg.GetBool("storage.minio.use_ssl"),
			CreateBucket: cfg.GetBool("storage.minio.create_bucket"),
		})
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}
