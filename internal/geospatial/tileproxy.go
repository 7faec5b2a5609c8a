package geospatial

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/oev-cli/internal/fetcher"
)

const basemapLayer = "basemap"

// TileProxy serves basemap raster tiles from an upstream tile server so zone
// maps need a single origin.
type TileProxy struct {
	template string
	client   fetcher.Fetcher
	cache    *TileCache
}

// NewTileProxy creates a basemap proxy. template holds {z}, {x} and {y}
// placeholders, e.g. "https://tile.openstreetmap.org/{z}/{x}/{y}.png".
func NewTileProxy(template string, client fetcher.Fetcher, cache *TileCache) *TileProxy {
	return &TileProxy{template: template, client: client, cache: cache}
}

// Fetch retrieves a basemap tile from the cache or the upstream server.
func (p *TileProxy) Fetch(ctx context.Context, z, x, y int) ([]byte, error) {
	if p.cache != nil {
		if cached := p.cache.Get(basemapLayer, "", z, x, y); cached != nil {
			return cached, nil
		}
	}

	url := strings.NewReplacer(
		"{z}", strconv.Itoa(z),
		"{x}", strconv.Itoa(x),
		"{y}", strconv.Itoa(y),
	).Replace(p.template)

	body, err := p.client.Download(ctx, url)
	if err != nil {
		return nil, eris.Wrap(err, "geospatial: fetch basemap tile")
	}
	defer body.Close() //nolint:errcheck

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, eris.Wrap(err, "geospatial: read basemap tile body")
	}

	if p.cache != nil {
		p.cache.Put(basemapLayer, "", z, x, y, data)
	}

	zap.L().Debug("basemap tile fetched", zap.String("component", "geospatial.tileproxy"), zap.String("url", url), zap.Int("bytes", len(data)))
	return data, nil
}

// contentType returns the MIME type for the upstream tile format.
func (p *TileProxy) contentType() string {
	switch strings.TrimPrefix(path.Ext(p.template), ".") {
	case "png":
		return "image/png"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// ServeHTTP implements http.Handler for the tile proxy.
// Expected path format: /{z}/{x}/{y}.{ext}
func (p *TileProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var z, x, y int
	var ext string
	if _, err := fmt.Sscanf(r.URL.Path, "/%d/%d/%d.%s", &z, &x, &y, &ext); err != nil {
		http.Error(w, "invalid tile path", http.StatusBadRequest)
		return
	}
	if !validTile(z, x, y) {
		http.Error(w, "tile out of range", http.StatusBadRequest)
		return
	}

	data, err := p.Fetch(r.Context(), z, x, y)
	if err != nil {
		zap.L().Error("basemap tile fetch failed", zap.String("component", "geospatial.tileproxy"), zap.Error(err))
		http.Error(w, "upstream fetch failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", p.contentType())
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(data)
}
