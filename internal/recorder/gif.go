package recorder

import (
	"bytes"
	"fmt"
	"image"
	"image/color/palette"
	"image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	xdraw "golang.org/x/image/draw"
)

const (
	// maxGIFFrames caps artifact size; longer recordings are uniformly
	// subsampled down to this count.
	maxGIFFrames = 100
	// maxGIFWidth rescales wide frames before quantization.
	maxGIFWidth = 800
	// minFrameDelay floors the per-frame delay (in 1/100ths of a second)
	// so a tiny refresh interval can't produce zero-duration frames.
	minFrameDelay = 50
)

// encodeGIF builds an animated GIF from the frame files on disk.
func encodeGIF(rec *recording) ([]byte, error) {
	entries, err := os.ReadDir(rec.tempFolder)
	if err != nil {
		return nil, fmt.Errorf("reading frame folder: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "frame_") {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no frame files found for GIF creation")
	}
	sort.Strings(files)

	if len(files) > maxGIFFrames {
		step := len(files) / maxGIFFrames
		var sampled []string
		for i := 0; i < len(files); i += step {
			sampled = append(sampled, files[i])
		}
		log.Printf("Reduced frames from %d to %d for GIF", len(files), len(sampled))
		files = sampled
	}

	refresh := rec.settings.RefreshRate
	if refresh <= 0 {
		refresh = 1.0
	}
	delay := int(refresh * 100)
	if delay < minFrameDelay {
		delay = minFrameDelay
	}

	anim := &gif.GIF{LoopCount: 0}
	for _, name := range files {
		img, err := loadFrame(filepath.Join(rec.tempFolder, name))
		if err != nil {
			log.Printf("Could not process frame %s: %v", name, err)
			continue
		}
		anim.Image = append(anim.Image, img)
		anim.Delay = append(anim.Delay, delay)
	}
	if len(anim.Image) == 0 {
		return nil, fmt.Errorf("no valid images found for GIF creation")
	}

	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, anim); err != nil {
		return nil, fmt.Errorf("gif encode: %w", err)
	}
	return buf.Bytes(), nil
}

// loadFrame decodes one frame, downscales it if wide, and quantizes it to
// a paletted image for the GIF encoder.
func loadFrame(path string) (*image.Paletted, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}

	bounds := src.Bounds()
	if bounds.Dx() > maxGIFWidth {
		ratio := float64(maxGIFWidth) / float64(bounds.Dx())
		h := int(float64(bounds.Dy()) * ratio)
		scaled := image.NewRGBA(image.Rect(0, 0, maxGIFWidth, h))
		xdraw.CatmullRom.Scale(scaled, scaled.Bounds(), src, bounds, xdraw.Over, nil)
		src = scaled
		bounds = scaled.Bounds()
	}

	// Plan9 gives a fixed 256-color palette without a quantization pass.
	paletted := image.NewPaletted(bounds, palette.Plan9)
	xdraw.FloydSteinberg.Draw(paletted, bounds, src, bounds.Min)
	return paletted, nil
}
