package capture

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixqa/matrix-runner/pkg/models"
)

type fakeShooter struct {
	data []byte
	err  error

	gotWidth   int
	gotHeight  int
	gotFormat  string
	gotQuality int
}

func (f *fakeShooter) Screenshot(width, height int, format string, quality int) ([]byte, error) {
	f.gotWidth, f.gotHeight, f.gotFormat, f.gotQuality = width, height, format, quality
	return f.data, f.err
}

func (f *fakeShooter) Close() error { return nil }

func decodeDataURL(t *testing.T, frame string) (string, []byte) {
	t.Helper()
	mime, payload, ok := strings.Cut(strings.TrimPrefix(frame, "data:"), ";base64,")
	require.True(t, ok, "expected a base64 data URL")
	data, err := base64.StdEncoding.DecodeString(payload)
	require.NoError(t, err)
	return mime, data
}

func TestParseResolution(t *testing.T) {
	tests := []struct {
		input  string
		width  int
		height int
	}{
		{"1920x1080", 1920, 1080},
		{"1280x720", 1280, 720},
		{"garbage", 1920, 1080},
		{"0x100", 1920, 1080},
		{"-5x100", 1920, 1080},
		{"", 1920, 1080},
	}
	for _, tt := range tests {
		w, h := ParseResolution(tt.input)
		assert.Equal(t, tt.width, w, "input %q", tt.input)
		assert.Equal(t, tt.height, h, "input %q", tt.input)
	}
}

func TestCaptureUsesBrowserScreenshot(t *testing.T) {
	shooter := &fakeShooter{data: []byte("fake-image-bytes")}
	snap := models.Session{
		ID:            "sess",
		Username:      "alice",
		VideoSettings: models.VideoSettings{Resolution: "1280x720", Quality: "low"},
		Browser:       shooter,
	}

	frame, err := NewSource().Capture(snap)
	require.NoError(t, err)

	mime, data := decodeDataURL(t, frame)
	assert.Equal(t, "image/jpeg", mime)
	assert.Equal(t, []byte("fake-image-bytes"), data)
	assert.Equal(t, 1280, shooter.gotWidth)
	assert.Equal(t, 720, shooter.gotHeight)
	assert.Equal(t, "jpeg", shooter.gotFormat)
	assert.Equal(t, 70, shooter.gotQuality)
}

func TestCaptureFallsBackToPlaceholderOnError(t *testing.T) {
	shooter := &fakeShooter{err: errors.New("page gone")}
	snap := models.Session{
		ID:            "0123456789abcdef",
		Username:      "alice",
		VideoSettings: models.DefaultVideoSettings,
		Browser:       shooter,
		Tasks: []*models.Task{
			{ID: "task-1", Status: models.TaskRunning, Instructions: "open example.com"},
		},
	}

	frame, err := NewSource().Capture(snap)
	require.NoError(t, err)

	mime, data := decodeDataURL(t, frame)
	assert.Equal(t, "image/png", mime)

	img, format, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 1920, img.Bounds().Dx())
	assert.Equal(t, 1080, img.Bounds().Dy())
}

func TestCaptureWithoutBrowserRendersPlaceholder(t *testing.T) {
	snap := models.Session{
		ID:            "sess",
		VideoSettings: models.VideoSettings{Resolution: "640x480", Quality: "medium"},
	}

	frame, err := NewSource().Capture(snap)
	require.NoError(t, err)

	mime, data := decodeDataURL(t, frame)
	assert.Equal(t, "image/jpeg", mime)

	img, _, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 640, img.Bounds().Dx())
	assert.Equal(t, 480, img.Bounds().Dy())
}
