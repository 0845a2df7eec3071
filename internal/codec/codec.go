// Package codec converts between data-URL frames sent by clients and images.
package codec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"strings"

	_ "golang.org/x/image/webp"
)

var ErrInvalidFrame = errors.New("invalid frame data")

// DefaultMaxPixels bounds width*height of a decoded frame when the caller
// passes no limit.
const DefaultMaxPixels = 4096 * 4096

const colorChannels = 3

// FrameInfo is the decoded image geometry reported back to clients.
type FrameInfo struct {
	Height   int `json:"height"`
	Width    int `json:"width"`
	Channels int `json:"channels"`
}

// DecodeDataURL decodes a `data:<mime>;base64,<payload>` string, or a bare
// base64 payload, into an image. Images declaring more than maxPixels pixels
// are rejected from their header before any pixel buffer is allocated;
// maxPixels <= 0 means DefaultMaxPixels.
func DecodeDataURL(s string, maxPixels int) (image.Image, error) {
	payload := strings.TrimSpace(s)
	if i := strings.IndexByte(payload, ','); i >= 0 {
		payload = payload[i+1:]
	}
	if payload == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidFrame)
	}
	raw, err := decodeBase64(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrInvalidFrame, cfg.Width, cfg.Height, maxPixels)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return img, nil
}

func decodeBase64(s string) ([]byte, error) {
	var firstErr error
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		raw, err := enc.DecodeString(s)
		if err == nil {
			return raw, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

// EncodeDataURL renders img as a JPEG data URL.
func EncodeDataURL(img image.Image, quality int) (string, error) {
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return "", fmt.Errorf("encode jpeg: %w", err)
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Info reports img geometry. Frames are always converted to colour before
// localization, so every frame reports three channels.
func Info(img image.Image) FrameInfo {
	b := img.Bounds()
	return FrameInfo{Height: b.Dy(), Width: b.Dx(), Channels: colorChannels}
}
