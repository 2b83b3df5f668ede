package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"
)

// ErrFFmpegMissing indicates the external transcoder binary is not installed.
// This is a host configuration problem, not a retryable condition.
var ErrFFmpegMissing = errors.New("ffmpeg is not installed (apt install ffmpeg / brew install ffmpeg)")

// Transcoder converts audio into a format the transcription API accepts by
// invoking ffmpeg as a subprocess.
type Transcoder struct {
	binary string
}

// NewTranscoder creates a Transcoder using the ffmpeg binary on PATH.
func NewTranscoder() *Transcoder {
	return &Transcoder{binary: "ffmpeg"}
}

// Convert transcodes the input audio to MP3 and returns the output path.
// The caller is responsible for removing the output file. A non-zero exit or
// empty output is a hard failure.
func (t *Transcoder) Convert(ctx context.Context, inputPath string) (string, error) {
	if _, err := exec.LookPath(t.binary); err != nil {
		return "", ErrFFmpegMissing
	}

	outputPath := filepath.Join(os.TempDir(), uuid.NewString()+".mp3")
	cmd := exec.CommandContext(ctx, t.binary,
		"-y", "-i", inputPath, "-acodec", "libmp3lame", "-q:a", "2", outputPath)
	output, err := cmd.CombinedOutput()
	if err != nil {
		os.Remove(outputPath)
		return "", fmt.Errorf("ffmpeg conversion failed: %v: %s", err, truncateOutput(output))
	}

	info, err := os.Stat(outputPath)
	if err != nil || info.Size() == 0 {
		os.Remove(outputPath)
		return "", fmt.Errorf("ffmpeg produced no output for %s", filepath.Base(inputPath))
	}
	return outputPath, nil
}

func truncateOutput(out []byte) string {
	const max = 300
	s := string(out)
	if len(s) > max {
		return s[:max]
	}
	return s
}
