// Package archive uploads run artifacts to object storage for retention.
//
// Archiving is best-effort by contract: the orchestrator treats a failed
// upload as a warning, never as a run failure, because the artifacts are
// already on local disk.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Store is a destination for run artifacts.
type Store interface {
	// Put uploads one object under the store's configured prefix.
	Put(ctx context.Context, key string, body io.Reader, length int64, contentType string) error
}

// ErrInvalidDestination indicates a destination string that is not a
// supported archive URL.
var ErrInvalidDestination = errors.New("invalid archive destination")

// Destination is a parsed archive target.
type Destination struct {
	// Bucket is the object-store bucket name.
	Bucket string

	// Prefix is the key prefix under which artifacts are placed.
	Prefix string
}

// ParseDestination parses an "s3://bucket/prefix" destination string.
func ParseDestination(dest string) (Destination, error) {
	u, err := url.Parse(dest)
	if err != nil {
		return Destination{}, fmt.Errorf("%w: %v", ErrInvalidDestination, err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return Destination{}, fmt.Errorf("%w: expected s3://bucket[/prefix], got %q", ErrInvalidDestination, dest)
	}
	return Destination{
		Bucket: u.Host,
		Prefix: strings.Trim(u.Path, "/"),
	}, nil
}

// UploadFiles puts each local file into the store, keyed by base name.
// It stops at the first failure.
func UploadFiles(ctx context.Context, store Store, paths []string) error {
	for _, p := range paths {
		if err := uploadOne(ctx, store, p); err != nil {
			return err
		}
	}
	return nil
}

func uploadOne(ctx context.Context, store Store, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat artifact: %w", err)
	}

	key := path.Base(filepath.ToSlash(localPath))
	return store.Put(ctx, key, f, info.Size(), contentTypeFor(localPath))
}

func contentTypeFor(p string) string {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".json":
		return "application/json"
	case ".csv":
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}
