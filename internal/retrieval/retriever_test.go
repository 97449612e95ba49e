package retrieval

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/VaultScan/internal/logging"
	"github.com/dharsanguruparan/VaultScan/internal/model"
	"github.com/dharsanguruparan/VaultScan/internal/storage"
)

func TestParseObjectURL(t *testing.T) {
	cases := []struct {
		url    string
		bucket string
		key    string
		ok     bool
	}{
		{"s3://dmz/path/to/file.zip", "dmz", "path/to/file.zip", true},
		{"https://s3.amazonaws.com/dmz/file.zip", "dmz", "file.zip", true},
		{"https://s3-us-west-2.amazonaws.com/dmz/a/b.pdf", "dmz", "a/b.pdf", true},
		{"https://s3.eu-central-1.amazonaws.com/dmz/b.pdf", "dmz", "b.pdf", true},
		{"https://dmz.s3.amazonaws.com/file%20name.zip", "dmz", "file name.zip", true},
		{"https://my.bucket.s3.us-east-1.amazonaws.com/k", "my.bucket", "k", true},
		{"https://DMZ.S3.AMAZONAWS.COM/k", "DMZ", "k", true},
		{"http://minio:9000/dmz/file.zip", "dmz", "file.zip", true},
		{"https://s3.amazonaws.com/dmz", "", "", false},
		{"https://example.com/dmz/file.zip", "", "", false},
		{"https://ec2.amazonaws.com/x/y", "", "", false},
		{"not a url", "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.url, func(t *testing.T) {
			loc, ok := ParseObjectURL(tc.url, "minio:9000")
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, model.Location{Bucket: tc.bucket, Key: tc.key}, loc)
		})
	}
}

func TestFetchFromObjectStore(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore("dmz")
	payload := []byte{0x50, 0x4b, 0x03, 0x04, 0x00, 0xff}
	require.NoError(t, store.Put(ctx, model.Location{Bucket: "dmz", Key: "f.zip"}, bytes.NewReader(payload), 6, ""))

	r := New(store, nil, "", 0, logging.Discard())
	data, err := r.Fetch(ctx, "https://dmz.s3.amazonaws.com/f.zip")
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	_, err = r.Fetch(ctx, "https://dmz.s3.amazonaws.com/missing.zip")
	var rerr *Error
	require.True(t, errors.As(err, &rerr))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFetchOverHTTP(t *testing.T) {
	payload := []byte("\x00\x01binary\xff")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	r := New(storage.NewMemoryStore(), srv.Client(), "", 1024, logging.Discard())
	data, err := r.Fetch(context.Background(), srv.URL+"/file.bin")
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	_, err = r.Fetch(context.Background(), srv.URL+"/missing")
	var rerr *Error
	require.True(t, errors.As(err, &rerr))
	assert.Contains(t, err.Error(), "404")
}

func TestFetchEnforcesLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("a"), 64))
	}))
	defer srv.Close()

	r := New(nil, srv.Client(), "", 16, logging.Discard())
	_, err := r.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")
}
