// Package capture produces one still frame of a session's visual state on
// demand: a page screenshot when the session has a live browser, or a
// generated status placeholder when it does not.
package capture

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"log"
	"strconv"
	"strings"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/matrixqa/matrix-runner/pkg/models"
)

// Screenshotter is implemented by browser contexts that can capture their
// page. The source type-asserts a session's browser handle against it.
type Screenshotter interface {
	Screenshot(width, height int, format string, quality int) ([]byte, error)
}

// Source captures frames for sessions.
type Source struct{}

// NewSource creates a frame source.
func NewSource() *Source {
	return &Source{}
}

// Capture returns one frame as a base64 data URL, or an error when even
// the placeholder cannot be produced. snap is a registry snapshot; the
// source never mutates session state.
func (s *Source) Capture(snap models.Session) (string, error) {
	settings := effectiveSettings(snap.VideoSettings)
	width, height := ParseResolution(settings.Resolution)
	format, quality := formatForQuality(settings.Quality)

	if shooter, ok := snap.Browser.(Screenshotter); ok && shooter != nil {
		data, err := shooter.Screenshot(width, height, format, quality)
		if err == nil {
			return encodeDataURL(data, format), nil
		}
		log.Printf("Error capturing from browser: %v", err)
	}

	data, err := placeholder(snap, width, height, format, quality)
	if err != nil {
		return "", fmt.Errorf("error capturing screenshot: %w", err)
	}
	return encodeDataURL(data, format), nil
}

func effectiveSettings(vs models.VideoSettings) models.VideoSettings {
	if vs.Resolution == "" {
		vs.Resolution = models.DefaultVideoSettings.Resolution
	}
	if vs.Quality == "" {
		vs.Quality = models.DefaultVideoSettings.Quality
	}
	if vs.RefreshRate <= 0 {
		vs.RefreshRate = models.DefaultVideoSettings.RefreshRate
	}
	return vs
}

// ParseResolution parses "WIDTHxHEIGHT", defaulting to 1920x1080 on any
// malformed input.
func ParseResolution(resolution string) (int, int) {
	parts := strings.SplitN(resolution, "x", 2)
	if len(parts) == 2 {
		w, werr := strconv.Atoi(parts[0])
		h, herr := strconv.Atoi(parts[1])
		if werr == nil && herr == nil && w > 0 && h > 0 {
			return w, h
		}
	}
	log.Printf("Invalid resolution format: %q, using default 1920x1080", resolution)
	return 1920, 1080
}

func formatForQuality(quality string) (string, int) {
	switch quality {
	case "medium":
		return "jpeg", 90
	case "low":
		return "jpeg", 70
	default:
		return "png", 0
	}
}

func encodeDataURL(data []byte, format string) string {
	mime := "image/png"
	if format == "jpeg" {
		mime = "image/jpeg"
	}
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data))
}

// placeholder renders a status frame for sessions without a usable
// browser page (headless environments before browser startup).
func placeholder(snap models.Session, width, height int, format string, quality int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)

	green := color.RGBA{0, 200, 70, 255}
	yellow := color.RGBA{220, 200, 0, 255}
	cyan := color.RGBA{0, 190, 190, 255}
	white := color.RGBA{230, 230, 230, 255}

	marginX := width / 8
	y := height / 12

	line := func(text string, c color.Color) {
		drawText(img, marginX, y, text, c)
		y += 22
	}

	line("MATRIX QA BROWSER MONITOR", green)
	line("Running in headless mode", yellow)
	y += 22
	line(fmt.Sprintf("Session: %s...", short(snap.ID)), cyan)
	line(fmt.Sprintf("User: %s", orUnknown(snap.Username)), cyan)
	line(fmt.Sprintf("Resolution: %dx%d", width, height), white)
	y += 22
	line("ACTIVE TASKS:", yellow)
	for _, task := range snap.Tasks {
		if task.Status == models.TaskRunning {
			line(fmt.Sprintf("Task %s: %s", short(task.ID), truncate(task.Instructions, 40)), white)
		}
	}
	drawText(img, marginX, height-height/12, "Timestamp: "+time.Now().Format("2006-01-02 15:04:05"), white)

	var buf bytes.Buffer
	if format == "jpeg" {
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, err
		}
	} else {
		if err := png.Encode(&buf, img); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func drawText(img *image.RGBA, x, y int, text string, c color.Color) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
