// Package imaging normalizes uploaded cover images to the fixed frame
// served by the API.
package imaging

import (
	"bytes"
	"fmt"
	"io"

	img "github.com/disintegration/imaging"
)

// FrameWidth and FrameHeight are the dimensions of every published cover.
const (
	FrameWidth  = 800
	FrameHeight = 600
)

// Normalize decodes an uploaded image, scales and center-crops it to
// exactly 800x600, and re-encodes it in the format implied by ext
// (".jpg", ".png", ...). It returns the encoded bytes and the output
// dimensions.
func Normalize(r io.Reader, ext string) ([]byte, int, int, error) {
	format, err := img.FormatFromExtension(ext)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("unsupported image extension %q: %w", ext, err)
	}
	src, err := img.Decode(r, img.AutoOrientation(true))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode image: %w", err)
	}
	dst := img.Fill(src, FrameWidth, FrameHeight, img.Center, img.Lanczos)

	var buf bytes.Buffer
	if err := img.Encode(&buf, dst, format, img.JPEGQuality(85)); err != nil {
		return nil, 0, 0, fmt.Errorf("encode image: %w", err)
	}
	bounds := dst.Bounds()
	return buf.Bytes(), bounds.Dx(), bounds.Dy(), nil
}
