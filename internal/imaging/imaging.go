// Package imaging handles the pixel side of the pipeline: fetching source and
// candidate images and cropping normalized-coordinate boxes out of them.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // shelf photos are jpeg, catalog images occasionally png

	"shelfaudit/internal/types"
)

// jpegQuality for re-encoded crops. Crops feed a vision model, not an
// archive, so moderate quality keeps payloads small.
const jpegQuality = 85

// subImager is implemented by the stdlib image types we decode into.
type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// Crop decodes data, cuts out the normalized box converted to pixel
// coordinates, and re-encodes the region as JPEG.
func Crop(data []byte, box types.Box) ([]byte, error) {
	if err := box.Validate(); err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	x0, y0, x1, y1 := box.ToPixels(bounds.Dx(), bounds.Dy())
	rect := image.Rect(x0, y0, x1, y1).Add(bounds.Min).Intersect(bounds)
	if rect.Empty() {
		return nil, fmt.Errorf("crop region [%d,%d,%d,%d] is empty", y0, x0, y1, x1)
	}

	si, ok := img.(subImager)
	if !ok {
		return nil, fmt.Errorf("decoded image type %T does not support cropping", img)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, si.SubImage(rect), &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode crop: %w", err)
	}
	return buf.Bytes(), nil
}
