package playback

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"

	"github.com/go-resty/resty/v2"
	"github.com/grafov/m3u8"
	"go.uber.org/zap"
)

// NewHTTPClient returns the resty client shared by the fetcher and the player.
func NewHTTPClient(timeout time.Duration, retries int) *resty.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return resty.New().
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetHeader("Accept", "application/vnd.apple.mpegurl, */*")
}

// ManifestFetcher loads HLS master playlists.
type ManifestFetcher struct {
	client *resty.Client
	logger *zap.SugaredLogger
}

func NewManifestFetcher(client *resty.Client, logger *zap.SugaredLogger) *ManifestFetcher {
	return &ManifestFetcher{client: client, logger: logger}
}

var _ ports.ManifestFetcher = (*ManifestFetcher)(nil)

func (f *ManifestFetcher) Fetch(ctx context.Context, manifestURL string) (*domain.Manifest, error) {
	body, err := get(ctx, f.client, manifestURL)
	if err != nil {
		return nil, err
	}

	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), true)
	if err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", manifestURL, err)
	}
	if listType != m3u8.MASTER {
		return nil, fmt.Errorf("manifest %s is not a master playlist", manifestURL)
	}

	manifest, err := toManifest(manifestURL, playlist.(*m3u8.MasterPlaylist))
	if err != nil {
		return nil, err
	}
	f.logger.Debugw("manifest loaded", "url", manifestURL, "renditions", len(manifest.Renditions))
	return manifest, nil
}

func get(ctx context.Context, client *resty.Client, target string) ([]byte, error) {
	resp, err := client.R().SetContext(ctx).Get(target)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", target, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("GET %s: unexpected status %d", target, resp.StatusCode())
	}
	return resp.Body(), nil
}

func toManifest(manifestURL string, master *m3u8.MasterPlaylist) (*domain.Manifest, error) {
	base, err := url.Parse(manifestURL)
	if err != nil {
		return nil, fmt.Errorf("parse manifest url: %w", err)
	}

	manifest := &domain.Manifest{URL: manifestURL}
	seen := make(map[string]int)
	for i, v := range master.Variants {
		if v == nil || v.Iframe {
			continue
		}
		ref, err := url.Parse(v.URI)
		if err != nil {
			return nil, fmt.Errorf("variant %d: %w", i, err)
		}
		width, height := parseResolution(v.Resolution)
		r := domain.Rendition{
			Name:      renditionName(v, height, i),
			URI:       base.ResolveReference(ref).String(),
			Bandwidth: int(v.Bandwidth),
			Width:     width,
			Height:    height,
			FrameRate: v.FrameRate,
		}
		if n := seen[r.Name]; n > 0 {
			r.Name = fmt.Sprintf("%s_%d", r.Name, n)
		}
		seen[r.Name]++
		manifest.Renditions = append(manifest.Renditions, r)
	}
	if len(manifest.Renditions) == 0 {
		return nil, fmt.Errorf("manifest %s lists no renditions", manifestURL)
	}

	sort.SliceStable(manifest.Renditions, func(i, j int) bool {
		return manifest.Renditions[i].Bandwidth < manifest.Renditions[j].Bandwidth
	})
	return manifest, nil
}

func renditionName(v *m3u8.Variant, height, index int) string {
	switch {
	case v.Name != "":
		return v.Name
	case height > 0:
		return strconv.Itoa(height) + "p"
	default:
		return "variant_" + strconv.Itoa(index)
	}
}

func parseResolution(resolution string) (int, int) {
	w, h, ok := strings.Cut(strings.ToLower(resolution), "x")
	if !ok {
		return 0, 0
	}
	width, err1 := strconv.Atoi(w)
	height, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil {
		return 0, 0
	}
	return width, height
}
