package youtube

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/timmy/sermontube/internal/domain"
)

const (
	maxThumbnailBytes = 2 << 20
	thumbnailWidth    = 1280
	thumbnailHeight   = 720
)

// PrepareThumbnail returns image data YouTube accepts along with its content
// type. JPEG and PNG under 2MB pass through; anything else is scaled to fit
// 1280x720 and re-encoded as JPEG.
func PrepareThumbnail(data []byte) ([]byte, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: thumbnail: %v", domain.ErrInvalidInput, err)
	}
	if (format == "jpeg" || format == "png") && len(data) <= maxThumbnailBytes {
		return data, "image/" + format, nil
	}

	b := img.Bounds()
	w, h := fitWithin(b.Dx(), b.Dy(), thumbnailWidth, thumbnailHeight)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 85}); err != nil {
		return nil, "", fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), "image/jpeg", nil
}

// fitWithin scales w x h down to fit maxW x maxH keeping the aspect ratio.
func fitWithin(w, h, maxW, maxH int) (int, int) {
	if w <= maxW && h <= maxH {
		return w, h
	}
	if w*maxH > h*maxW {
		return maxW, max(1, h*maxW/w)
	}
	return max(1, w*maxH/h), maxH
}
