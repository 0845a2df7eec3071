package localizer

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"

	"github.com/loqalabs/lipread/internal/config"
)

type faceAPI interface {
	DetectFaces(ctx context.Context, in *rekognition.DetectFacesInput, opts ...func(*rekognition.Options)) (*rekognition.DetectFacesOutput, error)
}

// Rekognition detects faces with AWS Rekognition DetectFaces.
type Rekognition struct {
	client        faceAPI
	minConfidence float64
}

func NewRekognition(ctx context.Context, cfg config.LocalizerConfig) (*Rekognition, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Rekognition{client: rekognition.NewFromConfig(awsCfg), minConfidence: cfg.MinConfidence}, nil
}

func (r *Rekognition) DetectFace(ctx context.Context, img image.Image) (image.Rectangle, bool, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return image.Rectangle{}, false, fmt.Errorf("encode jpeg: %w", err)
	}
	out, err := r.client.DetectFaces(ctx, &rekognition.DetectFacesInput{
		Image: &types.Image{Bytes: buf.Bytes()},
	})
	if err != nil {
		return image.Rectangle{}, false, fmt.Errorf("rekognition detect faces: %w", err)
	}
	b := img.Bounds()
	for _, face := range out.FaceDetails {
		if face.BoundingBox == nil || face.Confidence == nil {
			continue
		}
		if float64(*face.Confidence)/100 < r.minConfidence {
			continue
		}
		box := face.BoundingBox
		x := b.Min.X + int(ratio(box.Left)*float64(b.Dx()))
		y := b.Min.Y + int(ratio(box.Top)*float64(b.Dy()))
		w := int(ratio(box.Width) * float64(b.Dx()))
		h := int(ratio(box.Height) * float64(b.Dy()))
		rect := image.Rect(x, y, x+w, y+h).Intersect(b)
		if rect.Empty() {
			continue
		}
		return rect, true, nil
	}
	return image.Rectangle{}, false, nil
}

func ratio(v *float32) float64 {
	if v == nil {
		return 0
	}
	return float64(*v)
}
