package denoise

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// MaxAssetSize bounds the size of a model asset read by [LoadAsset].
const MaxAssetSize = 64 << 20

var assetClient = &http.Client{Timeout: 30 * time.Second}

// LoadAsset returns the bytes of the model asset named by source. An
// http:// or https:// source is fetched with GET; anything else, including
// a file:// URL, is read from the local filesystem. Assets larger than
// [MaxAssetSize] are rejected.
func LoadAsset(ctx context.Context, source string) ([]byte, error) {
	if source == "" {
		return nil, fmt.Errorf("denoise: empty model source")
	}
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return fetchAsset(ctx, source)
	}

	path := strings.TrimPrefix(source, "file://")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("denoise: open model %q: %w", path, err)
	}
	defer f.Close()
	return readAsset(f, path)
}

func fetchAsset(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("denoise: build model request: %w", err)
	}
	resp, err := assetClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("denoise: GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("denoise: GET %s returned status %d", url, resp.StatusCode)
	}
	return readAsset(resp.Body, url)
}

func readAsset(r io.Reader, name string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxAssetSize+1))
	if err != nil {
		return nil, fmt.Errorf("denoise: read model %s: %w", name, err)
	}
	if len(data) > MaxAssetSize {
		return nil, fmt.Errorf("denoise: model %s exceeds %d bytes", name, MaxAssetSize)
	}
	return data, nil
}
