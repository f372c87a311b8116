package imaging

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Source provides the original shelf photographs by image id.
type Source interface {
	Image(ctx context.Context, imageID string) ([]byte, error)
}

// Fetcher retrieves candidate product images by URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// DirSource serves shelf photos from a local directory, imageID.jpg first,
// imageID.png as fallback.
type DirSource struct {
	Dir string
}

// Image implements Source.
func (s DirSource) Image(_ context.Context, imageID string) ([]byte, error) {
	for _, ext := range []string{".jpg", ".jpeg", ".png"} {
		data, err := os.ReadFile(filepath.Join(s.Dir, imageID+ext))
		if err == nil {
			return data, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read image %s: %w", imageID, err)
		}
	}
	return nil, fmt.Errorf("no image file for %s under %s", imageID, s.Dir)
}

// HTTPFetcher fetches images over HTTP with a per-call timeout, so one slow
// candidate image cannot stall a whole batch group.
type HTTPFetcher struct {
	Timeout time.Duration
	Client  *http.Client
}

// maxImageBytes bounds how much of a response we are willing to read.
const maxImageBytes = 20 << 20

// Fetch implements Fetcher.
func (f HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if url == "" {
		return nil, fmt.Errorf("empty image URL")
	}
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create image request: %w", err)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("image fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image fetch returned status %d for %s", resp.StatusCode, url)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read image body: %w", err)
	}
	return data, nil
}
