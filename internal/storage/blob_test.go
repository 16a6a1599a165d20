package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"
)

func newMemStore(t *testing.T, max int64) *BlobStore {
	t.Helper()
	s := New(memblob.OpenBucket(nil), max)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpload_success(t *testing.T) {
	s := newMemStore(t, 1024)
	ctx := context.Background()

	ref, err := s.Upload(ctx, Upload{
		TenantID:    "solar-north",
		InstanceID:  "inst-1",
		SlotID:      "pan_card",
		Filename:    "PAN card.pdf",
		ContentType: "application/pdf",
		Body:        strings.NewReader("%PDF-1.7"),
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "solar-north/inst-1/pan_card/"), "ref = %s", ref)
	assert.True(t, strings.HasSuffix(ref, "-PAN_card.pdf"), "ref = %s", ref)

	ok, err := s.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)

	r, err := s.bucket.NewReader(ctx, ref, nil)
	require.NoError(t, err)
	defer r.Close()
	data, _ := io.ReadAll(r)
	assert.Equal(t, "%PDF-1.7", string(data))
}

func TestUpload_distinctRefsPerUpload(t *testing.T) {
	s := newMemStore(t, 0)
	up := Upload{TenantID: "t", InstanceID: "i", SlotID: "s", Filename: "a.png"}

	up.Body = strings.NewReader("one")
	a, err := s.Upload(context.Background(), up)
	require.NoError(t, err)
	up.Body = strings.NewReader("two")
	b, err := s.Upload(context.Background(), up)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestUpload_tooLarge(t *testing.T) {
	s := newMemStore(t, 4)
	ctx := context.Background()

	_, err := s.Upload(ctx, Upload{TenantID: "t", InstanceID: "i", SlotID: "s", Filename: "big.bin", Body: strings.NewReader("12345")})
	require.ErrorIs(t, err, ErrTooLarge)

	iter := s.bucket.List(nil)
	_, err = iter.Next(ctx)
	assert.ErrorIs(t, err, io.EOF, "aborted upload must not leave an object behind")
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestUpload_readFailure(t *testing.T) {
	s := newMemStore(t, 0)
	_, err := s.Upload(context.Background(), Upload{TenantID: "t", InstanceID: "i", SlotID: "s", Filename: "x", Body: failingReader{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestDelete(t *testing.T) {
	s := newMemStore(t, 0)
	ctx := context.Background()
	ref, err := s.Upload(ctx, Upload{TenantID: "t", InstanceID: "i", SlotID: "s", Filename: "x", Body: strings.NewReader("x")})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, ref))
	ok, _ := s.Exists(ctx, ref)
	assert.False(t, ok)
}

func TestPing(t *testing.T) {
	assert.NoError(t, newMemStore(t, 0).Ping(context.Background()))
}

func TestCleanFilename(t *testing.T) {
	tests := map[string]string{
		"bill.pdf":            "bill.pdf",
		"../../etc/passwd":    "passwd",
		`C:\scans\aadhar.jpg`: "aadhar.jpg",
		"my photo (1).png":    "my_photo__1_.png",
		"":                    "document",
		"..":                  "document",
	}
	for in, want := range tests {
		if got := cleanFilename(in); got != want {
			t.Errorf("cleanFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
