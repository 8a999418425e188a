package encoderagent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var commandContext = exec.CommandContext

// Progress carries one telemetry sample parsed from the ffmpeg progress pipe.
// Percent is -1 when the input duration could not be probed.
type Progress struct {
	Percent   float64
	Frame     int64
	FPS       float64
	Bitrate   float64
	TotalSize int64
	Elapsed   float64
	Speed     float64
}

// EncodeRequest describes one assigned encode.
type EncodeRequest struct {
	JobID      string
	InputPath  string
	OutputPath string
	ProfileID  string
	Profile    json.RawMessage
}

// EncodeResult reports a finished encode.
type EncodeResult struct {
	OutputPath string
	OutputSize int64
	Duration   float64
}

// EncodeRunner runs one encode to completion, reporting progress along the way.
type EncodeRunner interface {
	Encode(ctx context.Context, req EncodeRequest, progress func(Progress)) (EncodeResult, error)
}

// encodeProfile is the shape of the optional per-job profile payload.
type encodeProfile struct {
	VideoCodec string   `json:"videoCodec"`
	Preset     string   `json:"preset"`
	Quality    int      `json:"quality"`
	AudioCodec string   `json:"audioCodec"`
	ExtraArgs  []string `json:"extraArgs"`
}

// Option configures the CLI runner.
type Option func(*FFmpegRunner)

// WithBinary overrides the default ffmpeg binary name.
func WithBinary(binary string) Option {
	return func(r *FFmpegRunner) {
		if binary != "" {
			r.binary = binary
		}
	}
}

// WithGPUDevice passes a hardware device to every encode.
func WithGPUDevice(device string) Option {
	return func(r *FFmpegRunner) {
		r.gpuDevice = device
	}
}

// FFmpegRunner wraps the ffmpeg command-line encoder.
type FFmpegRunner struct {
	binary    string
	gpuDevice string
}

// NewFFmpegRunner constructs a runner using defaults.
func NewFFmpegRunner(opts ...Option) *FFmpegRunner {
	runner := &FFmpegRunner{binary: "ffmpeg"}
	for _, opt := range opts {
		opt(runner)
	}
	return runner
}

// Encode launches ffmpeg and streams progress from its pipe until the process
// exits. The output file's parent directory is created if missing.
func (r *FFmpegRunner) Encode(ctx context.Context, req EncodeRequest, progress func(Progress)) (EncodeResult, error) {
	if strings.TrimSpace(req.InputPath) == "" {
		return EncodeResult{}, errors.New("input path required")
	}
	outputPath := strings.TrimSpace(req.OutputPath)
	if outputPath == "" {
		base := filepath.Base(req.InputPath)
		stem := strings.TrimSuffix(base, filepath.Ext(base))
		outputPath = filepath.Join(filepath.Dir(req.InputPath), stem+".encoded.mkv")
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return EncodeResult{}, fmt.Errorf("create output directory: %w", err)
	}

	totalSeconds := r.probeDuration(ctx, req.InputPath)

	started := time.Now()
	cmd := commandContext(ctx, r.binary, r.buildArgs(req, outputPath)...) //nolint:gosec
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return EncodeResult{}, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return EncodeResult{}, fmt.Errorf("start %s: %w", r.binary, err)
	}

	scanner := bufio.NewScanner(stdout)
	sample := Progress{Percent: -1}
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "frame":
			sample.Frame, _ = strconv.ParseInt(value, 10, 64)
		case "fps":
			sample.FPS, _ = strconv.ParseFloat(value, 64)
		case "bitrate":
			sample.Bitrate = parseBitrate(value)
		case "total_size":
			sample.TotalSize, _ = strconv.ParseInt(value, 10, 64)
		case "out_time_us":
			us, _ := strconv.ParseInt(value, 10, 64)
			sample.Elapsed = float64(us) / 1e6
			if totalSeconds > 0 {
				percent := sample.Elapsed / totalSeconds * 100
				if percent > 99.9 {
					percent = 99.9
				}
				sample.Percent = percent
			}
		case "speed":
			sample.Speed, _ = strconv.ParseFloat(strings.TrimSuffix(value, "x"), 64)
		case "progress":
			if value == "end" && totalSeconds > 0 {
				sample.Percent = 100
			}
			if progress != nil {
				progress(sample)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return EncodeResult{}, fmt.Errorf("read %s output: %w", r.binary, err)
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return EncodeResult{}, ctx.Err()
		}
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return EncodeResult{}, fmt.Errorf("%s encode failed: %w: %s", r.binary, err, lastLine(detail))
		}
		return EncodeResult{}, fmt.Errorf("%s encode failed: %w", r.binary, err)
	}

	result := EncodeResult{
		OutputPath: outputPath,
		Duration:   time.Since(started).Seconds(),
	}
	if info, err := os.Stat(outputPath); err == nil {
		result.OutputSize = info.Size()
	}
	return result, nil
}

func (r *FFmpegRunner) buildArgs(req EncodeRequest, outputPath string) []string {
	args := []string{"-hide_banner", "-nostats", "-y"}
	if r.gpuDevice != "" {
		args = append(args, "-hwaccel_device", r.gpuDevice)
	}
	args = append(args, "-i", req.InputPath)

	var profile encodeProfile
	if len(req.Profile) > 0 {
		// A malformed profile falls back to stream copy rather than failing
		// the job; the coordinator already validated the assignment payload.
		_ = json.Unmarshal(req.Profile, &profile)
	}
	if profile.VideoCodec != "" {
		args = append(args, "-c:v", profile.VideoCodec)
	}
	if profile.Preset != "" {
		args = append(args, "-preset", profile.Preset)
	}
	if profile.Quality > 0 {
		args = append(args, "-crf", strconv.Itoa(profile.Quality))
	}
	if profile.AudioCodec != "" {
		args = append(args, "-c:a", profile.AudioCodec)
	}
	args = append(args, profile.ExtraArgs...)
	args = append(args, "-progress", "pipe:1", outputPath)
	return args
}

// probeDuration asks ffprobe for the input duration in seconds. A failed
// probe disables percent computation but never fails the encode.
func (r *FFmpegRunner) probeDuration(ctx context.Context, inputPath string) float64 {
	probe := "ffprobe"
	if dir := filepath.Dir(r.binary); dir != "." && dir != "" {
		probe = filepath.Join(dir, probe)
	}
	cmd := commandContext(ctx, probe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		inputPath,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil || seconds <= 0 {
		return 0
	}
	return seconds
}

func parseBitrate(value string) float64 {
	trimmed := strings.TrimSuffix(strings.TrimSpace(value), "kbits/s")
	rate, err := strconv.ParseFloat(strings.TrimSpace(trimmed), 64)
	if err != nil {
		return 0
	}
	return rate
}

func lastLine(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

var _ EncodeRunner = (*FFmpegRunner)(nil)
