package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"mediaforge/internal/models"
	"mediaforge/internal/observability/logging"
)

type FFmpegConfig struct {
	FFmpegPath  string
	FFprobePath string
	Preset      string
	CRF         int
	Logger      *slog.Logger
}

const (
	defaultPreset = "slow"
	defaultCRF    = 22
)

// FFmpeg runs the ffmpeg and ffprobe binaries as child processes. Each call
// starts its own process, so concurrent calls are independent.
type FFmpeg struct {
	ffmpeg  string
	ffprobe string
	preset  string
	crf     int
	logger  *slog.Logger
}

func NewFFmpeg(cfg FFmpegConfig) *FFmpeg {
	ffmpeg := strings.TrimSpace(cfg.FFmpegPath)
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	ffprobe := strings.TrimSpace(cfg.FFprobePath)
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	preset := strings.TrimSpace(cfg.Preset)
	if preset == "" {
		preset = defaultPreset
	}
	crf := cfg.CRF
	if crf <= 0 {
		crf = defaultCRF
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpeg{ffmpeg: ffmpeg, ffprobe: ffprobe, preset: preset, crf: crf, logger: logger}
}

func (f *FFmpeg) Transcode(ctx context.Context, input, output string, profile models.RenditionProfile) error {
	if profile.Height <= 0 {
		return fmt.Errorf("rendition %s has no target height", profile.Resolution)
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return fmt.Errorf("create rendition dir: %w", err)
	}
	return f.run(ctx, string(profile.Resolution), f.transcodeArgs(input, output, profile))
}

func (f *FFmpeg) transcodeArgs(input, output string, profile models.RenditionProfile) []string {
	args := []string{
		"-y",
		"-hide_banner",
		"-i", input,
		"-c:v", "libx264",
		"-preset", f.preset,
		"-crf", strconv.Itoa(f.crf),
		"-vf", fmt.Sprintf("scale=-2:%d", profile.Height),
	}
	if profile.BitrateKbps > 0 {
		args = append(args,
			"-maxrate", fmt.Sprintf("%dk", profile.BitrateKbps),
			"-bufsize", fmt.Sprintf("%dk", profile.BitrateKbps*2),
		)
	}
	return append(args,
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		output,
	)
}

func (f *FFmpeg) Still(ctx context.Context, input, output string, offset time.Duration, width int) error {
	if width <= 0 {
		return errors.New("still width must be positive")
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return fmt.Errorf("create thumbnail dir: %w", err)
	}
	return f.run(ctx, "still", stillArgs(input, output, offset, width))
}

func stillArgs(input, output string, offset time.Duration, width int) []string {
	if offset < 0 {
		offset = 0
	}
	return []string{
		"-y",
		"-hide_banner",
		"-ss", strconv.FormatFloat(offset.Seconds(), 'f', 3, 64),
		"-i", input,
		"-frames:v", "1",
		"-vf", fmt.Sprintf("scale=%d:-2", width),
		output,
	}
}

func (f *FFmpeg) Probe(ctx context.Context, input string) (ProbeResult, error) {
	cmd := exec.CommandContext(ctx, f.ffprobe,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		input,
	)
	stderr := newLogWriter(f.loggerFor(ctx), "ffprobe")
	cmd.Stderr = stderr
	out, err := cmd.Output()
	stderr.Flush()
	if err != nil {
		return ProbeResult{}, commandError("ffprobe", err, stderr.Tail())
	}
	return parseProbe(out)
}

func (f *FFmpeg) run(ctx context.Context, stream string, args []string) error {
	logger := f.loggerFor(ctx).With("stream", stream)
	cmd := exec.CommandContext(ctx, f.ffmpeg, args...)
	stdout := newLogWriter(logger, "stdout")
	stderr := newLogWriter(logger, "stderr")
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	started := time.Now()
	err := cmd.Run()
	stdout.Flush()
	stderr.Flush()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("ffmpeg %s: %w", stream, ctxErr)
		}
		return commandError("ffmpeg "+stream, err, stderr.Tail())
	}
	logger.Debug("ffmpeg completed", "duration_ms", time.Since(started).Milliseconds())
	return nil
}

func (f *FFmpeg) loggerFor(ctx context.Context) *slog.Logger {
	logger := logging.LoggerFromContext(ctx)
	if logger == nil {
		logger = f.logger
	}
	return logging.WithContext(ctx, logger)
}

func commandError(name string, err error, tail string) error {
	if tail == "" {
		return fmt.Errorf("%s: %w", name, err)
	}
	return fmt.Errorf("%s: %w: %s", name, err, tail)
}

type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		BitRate   string `json:"bit_rate"`
		Duration  string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
}

func parseProbe(raw []byte) (ProbeResult, error) {
	var out probeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return ProbeResult{}, fmt.Errorf("decode ffprobe output: %w", err)
	}

	var result ProbeResult
	duration := parseFloat(out.Format.Duration)
	bitrate := parseFloat(out.Format.BitRate)
	for _, stream := range out.Streams {
		if stream.CodecType != "video" {
			continue
		}
		result.Width = stream.Width
		result.Height = stream.Height
		if duration <= 0 {
			duration = parseFloat(stream.Duration)
		}
		if bitrate <= 0 {
			bitrate = parseFloat(stream.BitRate)
		}
		break
	}
	if duration <= 0 {
		return ProbeResult{}, errors.New("ffprobe reported no duration")
	}
	result.Duration = time.Duration(math.Round(duration * float64(time.Second)))
	result.BitrateKbps = int(bitrate / 1000)
	return result, nil
}

func parseFloat(raw string) float64 {
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0
	}
	return value
}
