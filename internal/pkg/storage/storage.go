// Package storage reads and writes objects in a single bucket of an object
// store. Dead-letter archives and analysis reports are kept here.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned when the object does not exist.
	ErrNotFound = errors.New("storage: object not found")
	// ErrBucketRequired is returned when no bucket is configured.
	ErrBucketRequired = errors.New("storage: bucket is required")
)

// Store is an object store bound to one bucket.
type Store interface {
	io.Closer

	// Put stores the contents of r under key, replacing any previous object.
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (ObjectInfo, error)
	// Get opens the object for reading. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	// List returns objects whose key starts with prefix, at most limit when
	// limit is positive.
	List(ctx context.Context, prefix string, limit int) ([]ObjectInfo, error)
	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
}

// PutOptions configures an upload.
type PutOptions struct {
	// Size is the content length, or zero when unknown.
	Size int64
	// ContentType is the MIME type.
	ContentType string
	// Metadata is user metadata stored with the object.
	Metadata map[string]string
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key         string
	Size        int64
	ETag        string
	ContentType string
	Metadata    map[string]string
	UpdatedAt   time.Time
}

// PutJSON stores v as indented JSON.
func PutJSON(ctx context.Context, s Store, key string, v any, metadata map[string]string) (ObjectInfo, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ObjectInfo{}, err
	}
	return s.Put(ctx, key, bytes.NewReader(data), PutOptions{
		Size:        int64(len(data)),
		ContentType: "application/json",
		Metadata:    metadata,
	})
}

// GetJSON decodes the object at key into v.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	rc, _, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	return json.NewDecoder(rc).Decode(v)
}
