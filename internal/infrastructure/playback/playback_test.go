package playback

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"meshcast/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const masterPlaylist = `#EXTM3U
#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=2500000,RESOLUTION=1280x720
720p/index.m3u8
#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=800000,RESOLUTION=640x360
360p/index.m3u8
`

type origin struct {
	mu       sync.Mutex
	segments []int
	failing  bool
	hits     map[string]int
}

func (o *origin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.hits == nil {
		o.hits = make(map[string]int)
	}
	o.hits[r.URL.Path]++

	if o.failing {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	switch {
	case r.URL.Path == "/live/master.m3u8":
		fmt.Fprint(w, masterPlaylist)
	case strings.HasSuffix(r.URL.Path, "/index.m3u8"):
		fmt.Fprint(w, o.mediaPlaylist())
	case strings.HasSuffix(r.URL.Path, ".ts"):
		w.Write(bytes.Repeat([]byte{0x47}, 188))
	default:
		http.NotFound(w, r)
	}
}

func (o *origin) mediaPlaylist() string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:2\n")
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", o.segments[0])
	for _, seq := range o.segments {
		fmt.Fprintf(&b, "#EXTINF:2.000,\nseg%d.ts\n", seq)
	}
	return b.String()
}

func (o *origin) append(seq int) {
	o.mu.Lock()
	o.segments = append(o.segments, seq)
	o.mu.Unlock()
}

func (o *origin) setFailing(v bool) {
	o.mu.Lock()
	o.failing = v
	o.mu.Unlock()
}

func (o *origin) hitCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func newOrigin(t *testing.T) (*origin, *httptest.Server) {
	t.Helper()
	o := &origin{segments: []int{10, 11}}
	srv := httptest.NewServer(o)
	t.Cleanup(srv.Close)
	return o, srv
}

func TestManifestFetcher_Fetch(t *testing.T) {
	_, srv := newOrigin(t)
	fetcher := NewManifestFetcher(NewHTTPClient(time.Second, 0), zaptest.NewLogger(t).Sugar())

	manifest, err := fetcher.Fetch(context.Background(), srv.URL+"/live/master.m3u8")
	require.NoError(t, err)
	require.Len(t, manifest.Renditions, 2)

	low, high := manifest.Renditions[0], manifest.Renditions[1]
	assert.Equal(t, "360p", low.Name)
	assert.Equal(t, 800000, low.Bandwidth)
	assert.Equal(t, 640, low.Width)
	assert.Equal(t, srv.URL+"/live/360p/index.m3u8", low.URI)
	assert.Equal(t, "720p", high.Name)
	assert.Equal(t, 720, high.Height)

	r, ok := manifest.Rendition("720p")
	assert.True(t, ok)
	assert.Equal(t, high, r)
}

func TestManifestFetcher_Errors(t *testing.T) {
	_, srv := newOrigin(t)
	fetcher := NewManifestFetcher(NewHTTPClient(time.Second, 0), zaptest.NewLogger(t).Sugar())

	_, err := fetcher.Fetch(context.Background(), srv.URL+"/missing.m3u8")
	assert.Error(t, err)

	_, err = fetcher.Fetch(context.Background(), srv.URL+"/live/720p/index.m3u8")
	assert.ErrorContains(t, err, "not a master playlist")
}

func TestParseResolution(t *testing.T) {
	w, h := parseResolution("1920x1080")
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080, h)

	w, h = parseResolution("bogus")
	assert.Zero(t, w)
	assert.Zero(t, h)
}

func TestHLSPlayer_FollowsLiveEdge(t *testing.T) {
	o, srv := newOrigin(t)
	out := &lockedBuffer{}
	player := NewHLSPlayer(NewHTTPClient(time.Second, 0), PlayerConfig{PollInterval: 10 * time.Millisecond, Output: out}, zaptest.NewLogger(t).Sugar())

	var (
		mu      sync.Mutex
		samples []domain.NetworkMetrics
	)
	player.OnSample(func(m domain.NetworkMetrics) {
		mu.Lock()
		samples = append(samples, m)
		mu.Unlock()
	})

	rendition := domain.Rendition{Name: "720p", URI: srv.URL + "/live/720p/index.m3u8"}
	require.NoError(t, player.Play(context.Background(), rendition))
	defer player.Stop()
	assert.ErrorIs(t, player.Play(context.Background(), rendition), errAlreadyPlaying)

	require.Eventually(t, func() bool { return o.hitCount("/live/720p/seg11.ts") == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, o.hitCount("/live/720p/seg10.ts"), "playback starts at the live edge")

	o.append(12)
	require.Eventually(t, func() bool { return o.hitCount("/live/720p/seg12.ts") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, o.hitCount("/live/720p/seg11.ts"))
	assert.Equal(t, 2*188, out.Len())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(samples) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestHLSPlayer_Switch(t *testing.T) {
	o, srv := newOrigin(t)
	player := NewHLSPlayer(NewHTTPClient(time.Second, 0), PlayerConfig{PollInterval: 10 * time.Millisecond}, zaptest.NewLogger(t).Sugar())

	require.NoError(t, player.Play(context.Background(), domain.Rendition{Name: "720p", URI: srv.URL + "/live/720p/index.m3u8"}))
	defer player.Stop()

	assert.Error(t, player.Switch(context.Background(), domain.Rendition{Name: "bad", URI: srv.URL + "/nope.m3u8"}))
	assert.Equal(t, "720p", player.Current().Name)

	require.NoError(t, player.Switch(context.Background(), domain.Rendition{Name: "360p", URI: srv.URL + "/live/360p/index.m3u8"}))
	assert.Equal(t, "360p", player.Current().Name)

	o.append(12)
	require.Eventually(t, func() bool { return o.hitCount("/live/360p/seg12.ts") == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, o.hitCount("/live/720p/seg12.ts"))
}

func TestHLSPlayer_FatalAfterRepeatedFailures(t *testing.T) {
	o, srv := newOrigin(t)
	player := NewHLSPlayer(NewHTTPClient(time.Second, 0), PlayerConfig{PollInterval: 5 * time.Millisecond, MaxFailures: 2}, zaptest.NewLogger(t).Sugar())

	fatal := make(chan error, 1)
	player.OnFatalError(func(err error) { fatal <- err })

	require.NoError(t, player.Play(context.Background(), domain.Rendition{Name: "720p", URI: srv.URL + "/live/720p/index.m3u8"}))
	o.setFailing(true)

	select {
	case err := <-fatal:
		assert.ErrorContains(t, err, "failed polls")
	case <-time.After(2 * time.Second):
		t.Fatal("expected fatal error")
	}
	assert.NoError(t, player.Stop())
}

func TestHLSPlayer_PlayFailsOnUnreachableRendition(t *testing.T) {
	_, srv := newOrigin(t)
	player := NewHLSPlayer(NewHTTPClient(time.Second, 0), PlayerConfig{}, zaptest.NewLogger(t).Sugar())

	err := player.Play(context.Background(), domain.Rendition{Name: "x", URI: srv.URL + "/missing.m3u8"})
	assert.Error(t, err)
	assert.NoError(t, player.Stop())
	assert.True(t, player.SupportsAdaptive())
}
