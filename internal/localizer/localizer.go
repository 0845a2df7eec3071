// Package localizer finds the mouth region in a client frame and turns it
// into a normalized lipread.Frame.
package localizer

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"time"

	"golang.org/x/image/draw"

	"github.com/loqalabs/lipread/internal/config"
	"github.com/loqalabs/lipread/internal/lipread"
)

// Detector returns the bounding box of the first face in img.
type Detector interface {
	DetectFace(ctx context.Context, img image.Image) (image.Rectangle, bool, error)
}

// New builds the detector selected by cfg.Mode.
func New(ctx context.Context, cfg config.LocalizerConfig, logger *slog.Logger) (Detector, error) {
	switch cfg.Mode {
	case "", "center":
		return Center{}, nil
	case "exec":
		return NewExec(cfg, logger)
	case "rekognition":
		return NewRekognition(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown localizer mode %q", cfg.Mode)
	}
}

// Center treats the whole image as the face.
type Center struct{}

func (Center) DetectFace(_ context.Context, img image.Image) (image.Rectangle, bool, error) {
	b := img.Bounds()
	return b, !b.Empty(), nil
}

// MouthRect returns the lower-middle part of face where the lips sit,
// clipped to bounds.
func MouthRect(face, bounds image.Rectangle) image.Rectangle {
	w, h := face.Dx(), face.Dy()
	x0 := face.Min.X + int(float64(w)*0.1)
	y0 := face.Min.Y + int(float64(h)*0.5)
	r := image.Rect(x0, y0, x0+int(float64(w)*0.8), y0+int(float64(h)*0.4))
	return r.Intersect(bounds)
}

// Extractor runs detection, crops the mouth and resamples it to the model
// input size.
type Extractor struct {
	detector Detector
	timeout  time.Duration
	log      *slog.Logger
}

func NewExtractor(detector Detector, timeout time.Duration, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		detector: detector,
		timeout:  timeout,
		log:      logger.With(slog.String("component", "localizer")),
	}
}

// Extract returns false when no face, or an empty mouth region, is found.
func (e *Extractor) Extract(ctx context.Context, img image.Image) (lipread.Frame, bool, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	face, ok, err := e.detector.DetectFace(ctx, img)
	if err != nil {
		return lipread.Frame{}, false, fmt.Errorf("detect face: %w", err)
	}
	if !ok {
		return lipread.Frame{}, false, nil
	}
	mouth := MouthRect(face, img.Bounds())
	if mouth.Empty() {
		e.log.Debug("mouth region empty", slog.String("face", face.String()))
		return lipread.Frame{}, false, nil
	}
	frame, err := Crop(img, mouth)
	if err != nil {
		return lipread.Frame{}, false, err
	}
	return frame, true, nil
}

// Crop resamples r of img to a FrameSize square and scales pixels to [0,1].
func Crop(img image.Image, r image.Rectangle) (lipread.Frame, error) {
	const size = lipread.FrameSize
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, r, draw.Src, nil)

	pix := make([]float32, 0, lipread.FrameLen)
	for y := 0; y < size; y++ {
		row := dst.Pix[y*dst.Stride : y*dst.Stride+size*4]
		for x := 0; x < size; x++ {
			p := row[x*4 : x*4+3]
			pix = append(pix, float32(p[0])/255, float32(p[1])/255, float32(p[2])/255)
		}
	}
	return lipread.NewFrame(pix)
}
