package upload

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
)

// Thumbnail decodes an image and renders a JPEG thumbnail bounded by the
// given dimensions, preserving aspect ratio. Non-image data returns an error
// and the caller skips the thumbnail.
func Thumbnail(data []byte, width, height int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	thumb := imaging.Fit(img, width, height, imaging.Lanczos)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// ThumbPath returns the object path for an asset's thumbnail.
func ThumbPath(assetPath string) string {
	return "thumbs/" + assetPath
}
