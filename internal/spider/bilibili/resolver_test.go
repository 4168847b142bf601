package bilibili

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vidfetch/internal/domain"
)

const playInfoJSON = `{
  "code": 0,
  "message": "0",
  "data": {
    "accept_quality": [80, 64, 32],
    "accept_description": ["1080P", "720P", "480P"],
    "dash": {
      "video": [
        {"id": 64, "codecs": "avc1.64001F", "base_url": "https://cdn/v64-avc", "backup_url": ["https://bak/v64-avc"]},
        {"id": 80, "codecs": "avc1.640032", "base_url": "https://cdn/v80-avc", "backup_url": ["https://bak/v80-avc"]},
        {"id": 80, "codecs": "hev1.1.6.L120.90", "base_url": "https://cdn/v80-hevc", "backup_url": []},
        {"id": 32, "codecs": "avc1.64001E", "base_url": "https://cdn/v32-avc", "backup_url": null}
      ],
      "audio": [
        {"id": 30280, "base_url": "https://cdn/a30280", "backup_url": ["https://bak/a30280", "https://bak2/a30280"]},
        {"id": 30216, "base_url": "https://cdn/a30216", "backup_url": []}
      ]
    }
  }
}`

func videoPage(title string) string {
	return fmt.Sprintf("<html><head><title>%s_哔哩哔哩_bilibili</title></head><body><script>window.__playinfo__=%s</script></body></html>", title, playInfoJSON)
}

type pageServer struct {
	*httptest.Server
	hits    atomic.Int32
	cookies atomic.Value
	referer atomic.Value
}

func newPageServer(t *testing.T, body string) *pageServer {
	t.Helper()
	ps := &pageServer{}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ps.hits.Add(1)
		ps.cookies.Store(r.Header.Get("Cookie"))
		ps.referer.Store(r.Header.Get("Referer"))
		if !strings.HasPrefix(r.URL.Path, "/video/BV") {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(ps.Close)
	return ps
}

func newTestResolver(t *testing.T, cfg Config) *Resolver {
	t.Helper()
	r, err := NewResolver(cfg)
	require.NoError(t, err)
	return r
}

func TestResolveHighestQuality(t *testing.T) {
	srv := newPageServer(t, videoPage("Clip &amp; Co"))
	r := newTestResolver(t, Config{BaseURL: srv.URL, SessData: "token"})

	media, err := r.Resolve(context.Background(), "BV1ab")
	require.NoError(t, err)
	require.Len(t, media, 3)

	video := media[0]
	assert.Equal(t, domain.CategoryVideo, video.Category())
	assert.Equal(t, "https://cdn/v80-avc", video.PrimaryURL())
	assert.Equal(t, []string{"https://bak/v80-avc"}, video.BackupURLs())
	assert.Equal(t, "1080P avc1.640032", video.Name())

	assert.Equal(t, domain.CategoryAudio, media[1].Category())
	assert.Equal(t, []string{"https://cdn/a30280", "https://bak/a30280", "https://bak2/a30280"}, media[1].URLs())
	assert.Equal(t, "https://cdn/a30216", media[2].PrimaryURL())

	assert.Equal(t, "SESSDATA=token", srv.cookies.Load())
	assert.Equal(t, srv.URL+"/", srv.referer.Load())

	title, err := r.Title(context.Background(), "BV1ab")
	require.NoError(t, err)
	assert.Equal(t, "Clip & Co", title)
	assert.Equal(t, int32(1), srv.hits.Load(), "title comes from the resolved page")
}

func TestResolveSelectsQualityAndCodecs(t *testing.T) {
	srv := newPageServer(t, videoPage("x"))

	tests := []struct {
		name    string
		quality int
		codecs  string
		url     string
		errText string
	}{
		{name: "exact quality", quality: 64, url: "https://cdn/v64-avc"},
		{name: "codecs within highest", codecs: "^hev1", url: "https://cdn/v80-hevc"},
		{name: "codecs within exact quality", quality: 32, codecs: "avc", url: "https://cdn/v32-avc"},
		{name: "unknown quality", quality: 116, errText: "available qualities: 80=1080P, 64=720P, 32=480P"},
		{name: "unmatched codecs", quality: 80, codecs: "av01", errText: "available codecs: avc1.640032, hev1.1.6.L120.90"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestResolver(t, Config{BaseURL: srv.URL, Quality: tt.quality, Codecs: tt.codecs})
			media, err := r.Resolve(context.Background(), "BV1ab")
			if tt.errText != "" {
				assert.ErrorContains(t, err, tt.errText)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.url, media[0].PrimaryURL())
		})
	}
}

func TestResolveMissingPlayInfo(t *testing.T) {
	srv := newPageServer(t, "<html><title>nothing</title></html>")
	r := newTestResolver(t, Config{BaseURL: srv.URL})

	_, err := r.Resolve(context.Background(), "BV1ab")
	assert.ErrorIs(t, err, ErrPlayInfoNotFound)
}

func TestResolveNotFoundIsNotRetried(t *testing.T) {
	srv := newPageServer(t, videoPage("x"))
	r := newTestResolver(t, Config{BaseURL: srv.URL})
	r.cfg.Retry.MaxRetries = 3

	_, err := r.Resolve(context.Background(), "av42")
	assert.ErrorContains(t, err, "404")
	assert.Equal(t, int32(1), srv.hits.Load())
}

func TestTitleWithoutResolve(t *testing.T) {
	srv := newPageServer(t, videoPage("Standalone"))
	r := newTestResolver(t, Config{BaseURL: srv.URL})

	title, err := r.Title(context.Background(), "BV9")
	require.NoError(t, err)
	assert.Equal(t, "Standalone", title)
}

func TestNewResolverRejectsBadCodecs(t *testing.T) {
	_, err := NewResolver(Config{Codecs: "("})
	assert.Error(t, err)

	_, err = NewResolver(Config{Quality: -1})
	assert.Error(t, err)
}

func TestHeaderWithoutSessData(t *testing.T) {
	r := newTestResolver(t, Config{})
	h := r.Header()
	assert.Empty(t, h.Get("Cookie"))
	assert.Equal(t, DefaultBaseURL+"/", h.Get("Referer"))
	assert.Equal(t, DefaultUserAgent, h.Get("User-Agent"))
	assert.Equal(t, DefaultBaseURL+"/video/BV1/", r.PageURL("BV1"))
}

func TestParseItemIDs(t *testing.T) {
	ids := ParseItemIDs("BV1, BV2\tBV3\n\nBV1", " BV4 ,BV2")
	assert.Equal(t, []string{"BV1", "BV2", "BV3", "BV4"}, ids)
	assert.Empty(t, ParseItemIDs("", " , "))
}

func TestReadItemIDsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids.txt")
	require.NoError(t, os.WriteFile(path, []byte("BV1\nBV2,BV3\nBV2\n"), 0o644))

	ids, err := ReadItemIDsFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"BV1", "BV2", "BV3"}, ids)

	_, err = ReadItemIDsFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
