package ffmpeg

import (
	"fmt"

	"github.com/floostack/transcoder/ffmpeg"
)

type Config struct {
	FfmpegBinaryPath  string
	FfprobeBinaryPath string
}

// ProbeError indicates the stream inspection of a downloaded artifact
// failed. Callers treat this as advisory: classification falls back to
// the requested tier rather than failing the job.
type ProbeError struct {
	Path  string
	cause error
}

func (err *ProbeError) Error() string {
	return fmt.Sprintf("failed to probe %s: %v", err.Path, err.cause)
}

func (err *ProbeError) Unwrap() error { return err.cause }

type Prober struct {
	config Config
}

func NewProber(config Config) *Prober {
	return &Prober{config: config}
}

// ProbeHeight extracts the largest video stream height from the file at
// the path given using ffprobe.
func (prober *Prober) ProbeHeight(path string) (int, error) {
	cfg := ffmpeg.Config{
		FfmpegBinPath:  prober.config.FfmpegBinaryPath,
		FfprobeBinPath: prober.config.FfprobeBinaryPath,
	}

	metadata, err := ffmpeg.New(&cfg).Input(path).GetMetadata()
	if err != nil {
		return 0, &ProbeError{Path: path, cause: err}
	}

	height := 0
	for _, stream := range metadata.GetStreams() {
		if h := stream.GetHeight(); h > height {
			height = h
		}
	}

	if height == 0 {
		return 0, &ProbeError{Path: path, cause: fmt.Errorf("no video stream with a known height")}
	}

	return height, nil
}
