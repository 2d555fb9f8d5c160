package blob

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dataURL(contentType string, payload []byte) string {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(payload)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	payload := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a}
	url, err := s.Save(dataURL("image/png", payload))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(url, "/uploads/"), "url = %q", url)
	assert.True(t, strings.HasSuffix(url, ".png"), "url = %q", url)

	got, err := s.Load(url)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestSaveExtensionFromContentType(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	cases := []struct {
		contentType string
		ext         string
	}{
		{"image/png", ".png"},
		{"image/gif", ".gif"},
		{"image/svg+xml", ".svg"},
		{"image/jpeg", ".jpg"},
		{"image/webp", ".jpg"},
	}
	for _, tc := range cases {
		url, err := s.Save(dataURL(tc.contentType, []byte("img")))
		require.NoError(t, err, tc.contentType)
		assert.True(t, strings.HasSuffix(url, tc.ext),
			"content type %s: url = %q, want suffix %s", tc.contentType, url, tc.ext)
	}
}

func TestSaveRejectsMalformedPayload(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	for _, input := range []string{
		"",
		"not a data url",
		"data:image/png;base64,", // empty payload
		"data:image/png;base64,!!!not-base64!!!",
	} {
		_, err := s.Save(input)
		assert.ErrorIs(t, err, ErrInvalidData, "input %q", input)
	}
}

func TestLoadRejectsForeignURLs(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	for _, url := range []string{
		"/etc/passwd",
		"/uploads/../escape.png",
		"/uploads/",
	} {
		_, err := s.Load(url)
		assert.Error(t, err, "url %q", url)
	}
}

func TestNewStoreCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "uploads")
	s, err := NewStore(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, s.Dir())

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
