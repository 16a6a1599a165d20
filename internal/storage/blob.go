// Package storage writes uploaded document bytes to a gocloud.dev blob
// bucket and hands back an opaque reference. The workflow engine keeps only
// that reference; the bytes never enter workflow state.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	"gocloud.dev/blob"

	// Bucket drivers selectable by URL scheme.
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
)

// ErrTooLarge is returned when an upload exceeds the configured limit.
var ErrTooLarge = errors.New("storage: upload exceeds size limit")

// Upload describes one document file to store.
type Upload struct {
	TenantID    string
	InstanceID  string
	SlotID      string
	Filename    string
	ContentType string
	Body        io.Reader
}

// BlobStore stores documents in a blob bucket under
// {tenant}/{instance}/{slot}/{uuid}-{filename}.
type BlobStore struct {
	bucket   *blob.Bucket
	maxBytes int64
}

// Open opens the bucket at url ("mem://", "file:///var/lib/stepper/docs",
// or any scheme registered with gocloud.dev).
func Open(ctx context.Context, url string, maxBytes int64) (*BlobStore, error) {
	b, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("opening bucket %q: %w", url, err)
	}
	return New(b, maxBytes), nil
}

// New wraps an open bucket. maxBytes <= 0 disables the size limit.
func New(bucket *blob.Bucket, maxBytes int64) *BlobStore {
	return &BlobStore{bucket: bucket, maxBytes: maxBytes}
}

// Upload writes the body and returns the blob key as the file reference.
// Partial writes are aborted so a failed upload leaves nothing behind.
func (s *BlobStore) Upload(ctx context.Context, up Upload) (string, error) {
	key := objectKey(up)

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := s.bucket.NewWriter(wctx, key, &blob.WriterOptions{
		ContentType: up.ContentType,
		Metadata: map[string]string{
			"tenant":   up.TenantID,
			"instance": up.InstanceID,
			"slot":     up.SlotID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("opening writer for %s: %w", key, err)
	}

	body := up.Body
	if s.maxBytes > 0 {
		body = io.LimitReader(up.Body, s.maxBytes+1)
	}
	n, err := io.Copy(w, body)
	if err == nil && s.maxBytes > 0 && n > s.maxBytes {
		err = ErrTooLarge
	}
	if err != nil {
		cancel()
		_ = w.Close()
		if errors.Is(err, ErrTooLarge) {
			return "", err
		}
		return "", fmt.Errorf("writing %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("closing %s: %w", key, err)
	}
	return key, nil
}

// Exists reports whether ref is stored.
func (s *BlobStore) Exists(ctx context.Context, ref string) (bool, error) {
	return s.bucket.Exists(ctx, ref)
}

// Delete removes a stored document.
func (s *BlobStore) Delete(ctx context.Context, ref string) error {
	return s.bucket.Delete(ctx, ref)
}

// Ping checks that the bucket is reachable.
func (s *BlobStore) Ping(ctx context.Context) error {
	ok, err := s.bucket.IsAccessible(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("bucket is not accessible")
	}
	return nil
}

// Close releases the bucket.
func (s *BlobStore) Close() error {
	return s.bucket.Close()
}

func objectKey(up Upload) string {
	return path.Join(up.TenantID, up.InstanceID, up.SlotID, uuid.NewString()+"-"+cleanFilename(up.Filename))
}

func cleanFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "document"
	}
	return out
}
