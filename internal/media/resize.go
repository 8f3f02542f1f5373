package media

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/tbourn/go-crosspost-backend/internal/domain"
)

// Downscale shrinks a photo in place so that its longest side is at most
// maxEdge pixels, preserving aspect ratio. Videos, maxEdge <= 0, and images
// already within bounds are left untouched. It reports whether the file was
// rewritten.
func Downscale(f *File, maxEdge int) (bool, error) {
	if f == nil || f.Kind != domain.MediaPhoto || maxEdge <= 0 {
		return false, nil
	}

	in, err := os.Open(f.Path)
	if err != nil {
		return false, fmt.Errorf("open image: %w", err)
	}
	cfg, format, err := image.DecodeConfig(in)
	_ = in.Close()
	if err != nil {
		return false, fmt.Errorf("decode image config: %w", err)
	}
	if cfg.Width <= maxEdge && cfg.Height <= maxEdge {
		return false, nil
	}

	img, err := imaging.Open(f.Path)
	if err != nil {
		return false, fmt.Errorf("decode image: %w", err)
	}
	img = imaging.Fit(img, maxEdge, maxEdge, imaging.Lanczos)

	outFormat := imaging.JPEG
	if strings.EqualFold(format, "png") {
		outFormat = imaging.PNG
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.Path), "resized-*")
	if err != nil {
		return false, fmt.Errorf("create temp file: %w", err)
	}
	if err := imaging.Encode(tmp, img, outFormat, imaging.JPEGQuality(85)); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return false, fmt.Errorf("encode image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return false, fmt.Errorf("close image: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		_ = os.Remove(tmp.Name())
		return false, fmt.Errorf("replace image: %w", err)
	}

	st, err := os.Stat(f.Path)
	if err != nil {
		return true, fmt.Errorf("stat image: %w", err)
	}
	f.Size = st.Size()
	if outFormat == imaging.PNG {
		f.MimeType = "image/png"
	} else {
		f.MimeType = "image/jpeg"
	}
	return true, nil
}
