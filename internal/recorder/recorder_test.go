package recorder

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixqa/matrix-runner/pkg/models"
)

func testFrame(t *testing.T, c color.Color) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	r, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	// Force the GIF path so tests never depend on an installed ffmpeg.
	r.SetFFmpegAvailable(false)
	return r
}

func TestStartRejectsSecondRecording(t *testing.T) {
	r := newTestRecorder(t)

	assert.True(t, r.Start("sess", models.DefaultVideoSettings, "alice", "task"))
	assert.False(t, r.Start("sess", models.DefaultVideoSettings, "alice", "task"))
}

func TestStopWithSingleFrameYieldsNothing(t *testing.T) {
	r := newTestRecorder(t)
	require.True(t, r.Start("sess", models.DefaultVideoSettings, "alice", "task"))
	require.True(t, r.AddFrame("sess", testFrame(t, color.White)))

	artifact := r.Stop(context.Background(), "sess")
	assert.Nil(t, artifact)
}

func TestStopWithTwoFramesYieldsArtifact(t *testing.T) {
	r := newTestRecorder(t)
	require.True(t, r.Start("sess", models.DefaultVideoSettings, "alice", "task"))
	require.True(t, r.AddFrame("sess", testFrame(t, color.White)))
	require.True(t, r.AddFrame("sess", testFrame(t, color.Black)))

	artifact := r.Stop(context.Background(), "sess")
	require.NotNil(t, artifact)
	assert.GreaterOrEqual(t, artifact.FrameCount, 2)
	assert.Equal(t, models.FormatGIF, artifact.FileType)
	assert.Equal(t, "alice", artifact.Username)
	assert.Equal(t, len(artifact.VideoData), artifact.VideoSize)
	assert.NotZero(t, artifact.VideoSize)
}

func TestStopWithoutActiveRecording(t *testing.T) {
	r := newTestRecorder(t)
	assert.Nil(t, r.Stop(context.Background(), "missing"))
}

func TestAddFrameWithoutRecording(t *testing.T) {
	r := newTestRecorder(t)
	assert.False(t, r.AddFrame("sess", testFrame(t, color.White)))
}

func TestAddFrameRejectsMalformedData(t *testing.T) {
	r := newTestRecorder(t)
	require.True(t, r.Start("sess", models.DefaultVideoSettings, "alice", "task"))
	assert.False(t, r.AddFrame("sess", "data:image/png;base64"))
	assert.False(t, r.AddFrame("sess", "not base64 at all!!!"))
}

func TestStatusReportsActiveRecording(t *testing.T) {
	r := newTestRecorder(t)
	assert.Nil(t, r.Status("sess"))

	require.True(t, r.Start("sess", models.DefaultVideoSettings, "alice", "task"))
	require.True(t, r.AddFrame("sess", testFrame(t, color.White)))

	status := r.Status("sess")
	require.NotNil(t, status)
	assert.True(t, status.Recording)
	assert.Equal(t, 1, status.FrameCount)
}

func TestMP4ArgsStartFromFirstRetainedFrame(t *testing.T) {
	rec := &recording{
		tempFolder: "/tmp/frames",
		settings:   models.DefaultVideoSettings,
		frames: []models.FrameRef{
			{Filename: "frame_001000.png", FrameNumber: 1000},
			{Filename: "frame_001001.png", FrameNumber: 1001},
		},
	}

	args := mp4Args(rec, "/tmp/frames/out.mp4")

	// After the overflow valve the sequence no longer starts at zero;
	// without -start_number ffmpeg probes from frame 0 and finds nothing.
	start := -1
	for i, a := range args {
		if a == "-start_number" {
			start = i
			break
		}
	}
	require.NotEqual(t, -1, start, "ffmpeg args must carry -start_number")
	require.Less(t, start+1, len(args))
	assert.Equal(t, "1000", args[start+1])
	assert.Less(t, start, indexOf(t, args, "-i"), "-start_number must precede the input flag")
}

func indexOf(t *testing.T, args []string, want string) int {
	t.Helper()
	for i, a := range args {
		if a == want {
			return i
		}
	}
	t.Fatalf("flag %q not found in %v", want, args)
	return -1
}

func TestStopIsTerminal(t *testing.T) {
	r := newTestRecorder(t)
	require.True(t, r.Start("sess", models.DefaultVideoSettings, "alice", "task"))
	require.True(t, r.AddFrame("sess", testFrame(t, color.White)))
	require.True(t, r.AddFrame("sess", testFrame(t, color.Black)))
	require.NotNil(t, r.Stop(context.Background(), "sess"))

	// The session can start a fresh recording afterwards.
	assert.Nil(t, r.Status("sess"))
	assert.True(t, r.Start("sess", models.DefaultVideoSettings, "alice", "task"))
}
