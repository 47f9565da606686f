package markup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RasterClient talks to the external markup-to-raster conversion service
// over HTTP. The service accepts fully materialized markup and returns the
// final document or image bytes.
type RasterClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewRasterClient creates a client with sane defaults.
func NewRasterClient(baseURL string) *RasterClient {
	return &RasterClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Rasterize posts materialized markup and returns the produced bytes.
// kind is "pdf" or "png"; dpi only applies to raster output.
func (c *RasterClient) Rasterize(ctx context.Context, doc []byte, kind string, dpi float64) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/v1/rasterize?kind=%s", c.baseURL, kind)
	if dpi > 0 {
		endpoint += "&dpi=" + strconv.FormatFloat(dpi, 'f', -1, 64)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("create rasterize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rasterize: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("rasterize failed: %s", strings.TrimSpace(string(payload)))
	}
	return io.ReadAll(resp.Body)
}
