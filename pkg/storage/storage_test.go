package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fitrun/fitrun/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFiles(t *testing.T) {
	const maxBytes = 1024

	tests := []struct {
		name    string
		files   []FileSpec
		wantErr bool
	}{
		{name: "no files", files: nil, wantErr: true},
		{
			name:  "single image",
			files: []FileSpec{{Name: "a.jpg", ContentType: "image/jpeg", Size: 10}},
		},
		{
			name:  "upper case content type",
			files: []FileSpec{{Name: "a.png", ContentType: "IMAGE/PNG", Size: 10}},
		},
		{
			name:    "not an image",
			files:   []FileSpec{{Name: "a.pdf", ContentType: "application/pdf", Size: 10}},
			wantErr: true,
		},
		{
			name:    "empty file",
			files:   []FileSpec{{Name: "a.jpg", ContentType: "image/jpeg", Size: 0}},
			wantErr: true,
		},
		{
			name:  "exactly max",
			files: []FileSpec{{Name: "a.jpg", ContentType: "image/jpeg", Size: maxBytes}},
		},
		{
			name: "second file too large",
			files: []FileSpec{
				{Name: "a.jpg", ContentType: "image/jpeg", Size: 10},
				{Name: "b.jpg", ContentType: "image/jpeg", Size: maxBytes + 1},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFiles(tt.files, maxBytes)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidFile)

				return
			}

			require.NoError(t, err)
		})
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "photo.jpg", want: "photo.jpg"},
		{in: "my photo (1).jpg", want: "my_photo__1_.jpg"},
		{in: "../../etc/passwd", want: "passwd"},
		{in: `C:\Users\me\selfie.png`, want: "selfie.png"},
		{in: "", want: "upload"},
		{in: "..", want: "upload"},
		{in: strings.Repeat("a", 300), want: strings.Repeat("a", maxNameLength)},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeName(tt.in))
		})
	}
}

func TestIsCleanKey(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		prefix string
		want   bool
	}{
		{name: "nested output", key: "outputs/run-1/mesh.glb", prefix: "outputs", want: true},
		{name: "prefix with slashes", key: "outputs/a.glb", prefix: "/outputs/", want: true},
		{name: "prefix itself", key: "outputs", prefix: "outputs", want: false},
		{name: "other prefix", key: "inputs/a.jpg", prefix: "outputs", want: false},
		{name: "partial prefix", key: "outputs_old/a.glb", prefix: "outputs", want: false},
		{name: "traversal", key: "outputs/../inputs/a.jpg", prefix: "outputs", want: false},
		{name: "absolute", key: "/outputs/a.glb", prefix: "outputs", want: false},
		{name: "trailing slash", key: "outputs/a/", prefix: "outputs", want: false},
		{name: "double slash", key: "outputs//a.glb", prefix: "outputs", want: false},
		{name: "empty", key: "", prefix: "", want: false},
		{name: "no prefix", key: "a/b.glb", prefix: "", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsCleanKey(tt.key, tt.prefix))
		})
	}
}

func newTestPresigner(t *testing.T) *S3Presigner {
	t.Helper()

	// MinIO-style endpoint so presigning works without real AWS creds.
	p, err := NewS3Presigner(logrus.New(), &config.S3Config{
		Enabled:         true,
		Bucket:          "fit-bucket",
		Region:          "us-east-1",
		EndpointURL:     "http://localhost:9000",
		ForcePathStyle:  true,
		AccessKeyID:     "minioadmin",
		SecretAccessKey: "minioadmin",
		InputPrefix:     "inputs",
		OutputPrefix:    "outputs",
		PresignedURLs:   config.S3PresignedURLConfig{Expiry: time.Hour},
	})
	require.NoError(t, err)

	return p
}

func TestNewS3Presigner_RequiresExpiry(t *testing.T) {
	_, err := NewS3Presigner(logrus.New(), &config.S3Config{Bucket: "b"})
	require.Error(t, err)
}

func TestS3Presigner_PresignUploads(t *testing.T) {
	p := newTestPresigner(t)

	uploads, err := p.PresignUploads(context.Background(), []FileSpec{
		{Name: "front photo.jpg", ContentType: "image/jpeg", Size: 100},
		{Name: "front photo.jpg", ContentType: "image/jpeg", Size: 100},
	})
	require.NoError(t, err)
	require.Len(t, uploads, 2)

	for _, u := range uploads {
		assert.True(t, strings.HasPrefix(u.Key, "inputs/"), u.Key)
		assert.True(t, strings.HasSuffix(u.Key, "_front_photo.jpg"), u.Key)
		assert.Equal(t, http.MethodPut, u.Method)
		assert.Equal(t, "image/jpeg", u.Headers["Content-Type"])
		assert.Contains(t, u.URL, "fit-bucket/"+u.Key)
		assert.Contains(t, u.URL, "X-Amz-Signature=")
	}

	assert.NotEqual(t, uploads[0].Key, uploads[1].Key)
}

func TestS3Presigner_OutputURL(t *testing.T) {
	p := newTestPresigner(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	ctx := context.Background()

	url1, err := p.OutputURL(ctx, "outputs/run-1/mesh.glb")
	require.NoError(t, err)
	assert.NotEmpty(t, url1)

	url2, err := p.OutputURL(ctx, "outputs/run-1/mesh.glb")
	require.NoError(t, err)
	assert.Equal(t, url1, url2, "expected cached URL to be identical")

	url3, err := p.OutputURL(ctx, "outputs/run-2/mesh.glb")
	require.NoError(t, err)
	assert.NotEqual(t, url1, url3)

	// Past half the expiry the cached entry is dropped.
	now = now.Add(31 * time.Minute)

	_, err = p.OutputURL(ctx, "outputs/run-1/mesh.glb")
	require.NoError(t, err)

	p.mu.RLock()
	assert.Len(t, p.cache, 1)
	p.mu.RUnlock()

	_, err = p.OutputURL(ctx, "inputs/a.jpg")
	require.ErrorIs(t, err, ErrInvalidFile)
}

func TestLocalAssets_ServeFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "outputs", "run-1"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(root, "outputs", "run-1", "mesh.glb"), []byte("glTF"), 0o644,
	))

	assets := NewLocalAssets(logrus.New(), &config.LocalStorageConfig{
		Enabled: true,
		Root:    root,
	})

	t.Run("serves existing file", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/proxy/assets/outputs/run-1/mesh.glb", nil)
		rec := httptest.NewRecorder()

		require.NoError(t, assets.ServeFile(rec, req, "outputs/run-1/mesh.glb"))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "glTF", rec.Body.String())
	})

	t.Run("missing file", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/proxy/assets/outputs/nope.glb", nil)
		rec := httptest.NewRecorder()

		err := assets.ServeFile(rec, req, "outputs/nope.glb")
		require.ErrorIs(t, err, ErrAssetNotFound)
	})

	t.Run("directory", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/proxy/assets/outputs", nil)
		rec := httptest.NewRecorder()

		err := assets.ServeFile(rec, req, "outputs")
		require.ErrorIs(t, err, ErrAssetNotFound)
	})

	t.Run("rejects traversal", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/proxy/assets/x", nil)
		rec := httptest.NewRecorder()

		err := assets.ServeFile(rec, req, "../../etc/passwd")
		require.ErrorIs(t, err, ErrInvalidFile)
	})
}
