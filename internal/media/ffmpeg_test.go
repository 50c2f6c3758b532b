package media

import (
	"bytes"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	"mediaforge/internal/models"
)

func TestTranscodeArgs(t *testing.T) {
	engine := NewFFmpeg(FFmpegConfig{})
	profile := models.RenditionProfile{Resolution: models.Resolution720p, Height: 720, BitrateKbps: 2800}
	args := engine.transcodeArgs("/in/clip.mp4", "/out/720p/a.mp4", profile)
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"-i /in/clip.mp4",
		"-c:v libx264",
		"-preset slow",
		"-crf 22",
		"-vf scale=-2:720",
		"-maxrate 2800k",
		"-bufsize 5600k",
		"-c:a aac",
		"-movflags +faststart",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected args to contain %q, got %q", want, joined)
		}
	}
	if args[len(args)-1] != "/out/720p/a.mp4" {
		t.Fatalf("expected output path last, got %q", args[len(args)-1])
	}
}

func TestTranscodeArgsHonourOverrides(t *testing.T) {
	engine := NewFFmpeg(FFmpegConfig{Preset: "veryfast", CRF: 28})
	joined := strings.Join(engine.transcodeArgs("in", "out", models.RenditionProfile{Height: 480}), " ")
	if !strings.Contains(joined, "-preset veryfast") || !strings.Contains(joined, "-crf 28") {
		t.Fatalf("expected overrides in args, got %q", joined)
	}
	if strings.Contains(joined, "-maxrate") {
		t.Fatalf("expected no rate cap without a bitrate, got %q", joined)
	}
}

func TestStillArgs(t *testing.T) {
	args := stillArgs("in.mp4", "thumb.png", 1500*time.Millisecond, 640)
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-ss 1.500 -i in.mp4") {
		t.Fatalf("expected seek before input, got %q", joined)
	}
	if !strings.Contains(joined, "-frames:v 1") || !strings.Contains(joined, "-vf scale=640:-2") {
		t.Fatalf("expected single scaled frame, got %q", joined)
	}
	if neg := strings.Join(stillArgs("in", "out", -time.Second, 640), " "); !strings.Contains(neg, "-ss 0.000") {
		t.Fatalf("expected negative offset clamped, got %q", neg)
	}
}

func TestParseProbe(t *testing.T) {
	raw := []byte(`{
		"streams": [
			{"codec_type": "audio", "bit_rate": "128000"},
			{"codec_type": "video", "width": 1920, "height": 1080, "bit_rate": "4800000", "duration": "12.0"}
		],
		"format": {"duration": "12.480000", "bit_rate": "5012345"}
	}`)
	result, err := parseProbe(raw)
	if err != nil {
		t.Fatalf("parseProbe error: %v", err)
	}
	if result.Width != 1920 || result.Height != 1080 {
		t.Fatalf("unexpected dimensions %dx%d", result.Width, result.Height)
	}
	if result.BitrateKbps != 5012 {
		t.Fatalf("expected container bitrate 5012 kbps, got %d", result.BitrateKbps)
	}
	if result.Duration != 12480*time.Millisecond {
		t.Fatalf("unexpected duration %s", result.Duration)
	}
	quality := result.Quality()
	if quality.Resolution != "1920x1080" || math.Abs(quality.Duration-12.48) > 1e-9 {
		t.Fatalf("unexpected quality %+v", quality)
	}
}

func TestParseProbeFallsBackToStream(t *testing.T) {
	raw := []byte(`{"streams":[{"codec_type":"video","width":640,"height":360,"bit_rate":"900000","duration":"3.5"}],"format":{}}`)
	result, err := parseProbe(raw)
	if err != nil {
		t.Fatalf("parseProbe error: %v", err)
	}
	if result.BitrateKbps != 900 || result.Duration != 3500*time.Millisecond {
		t.Fatalf("unexpected fallback result %+v", result)
	}
}

func TestParseProbeRejectsMissingDuration(t *testing.T) {
	if _, err := parseProbe([]byte(`{"streams":[],"format":{}}`)); err == nil {
		t.Fatal("expected error without duration")
	}
	if _, err := parseProbe([]byte(`not json`)); err == nil {
		t.Fatal("expected error for invalid json")
	}
}

func TestLogWriterSplitsLinesAndKeepsTail(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	w := newLogWriter(logger, "stderr")
	w.limit = 2

	w.Write([]byte("frame=1\nframe=2\rfra"))
	w.Write([]byte("me=3\n\n"))
	w.Write([]byte("error: broken pipe"))
	w.Flush()

	if got := w.Tail(); got != "frame=3\nerror: broken pipe" {
		t.Fatalf("unexpected tail %q", got)
	}
	output := buf.String()
	for _, want := range []string{"frame=1", "frame=2", "frame=3", "error: broken pipe", "stream=stderr"} {
		if !strings.Contains(output, want) {
			t.Fatalf("expected log output to contain %q, got %q", want, output)
		}
	}
}
