// Package validation screens upload chunks before the assembler stores them.
package validation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrRejected marks an upload the validator refused.
var ErrRejected = errors.New("upload rejected")

// DefaultMaxTotalSize caps the declared size of a whole upload.
const DefaultMaxTotalSize int64 = 500 << 20

// ChunkMeta describes one chunk as declared by the client.
type ChunkMeta struct {
	Filename    string
	ContentType string
	Index       int
	Total       int
}

// Verdict is the outcome of validating one chunk. Hash is the hex SHA-256 of
// the bytes read.
type Verdict struct {
	Passed bool
	Hash   string
	Reason string
	Size   int64
}

// Err returns nil for a passing verdict and an ErrRejected wrap otherwise.
func (v Verdict) Err() error {
	if v.Passed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrRejected, v.Reason)
}

// Validator decides whether a chunk may be stored. Validate consumes r.
type Validator interface {
	Validate(ctx context.Context, meta ChunkMeta, r io.Reader) (Verdict, error)
}

type Config struct {
	// AllowedExtensions lists accepted filename extensions without the dot.
	AllowedExtensions []string
	MaxTotalSize      int64
}

// ExtensionValidator filters by file extension and content type and bounds
// the upload size.
type ExtensionValidator struct {
	allowed map[string]struct{}
	maxSize int64
}

func NewExtensionValidator(cfg Config) *ExtensionValidator {
	exts := cfg.AllowedExtensions
	if len(exts) == 0 {
		exts = []string{"mp4", "mov", "avi"}
	}
	allowed := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			allowed[ext] = struct{}{}
		}
	}
	maxSize := cfg.MaxTotalSize
	if maxSize <= 0 {
		maxSize = DefaultMaxTotalSize
	}
	return &ExtensionValidator{allowed: allowed, maxSize: maxSize}
}

func (v *ExtensionValidator) Validate(ctx context.Context, meta ChunkMeta, r io.Reader) (Verdict, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(meta.Filename), "."))
	if _, ok := v.allowed[ext]; !ok {
		return Verdict{Reason: "invalid file type, only video files are allowed"}, nil
	}
	if ct := strings.ToLower(strings.TrimSpace(meta.ContentType)); ct != "" && ct != "application/octet-stream" && !strings.HasPrefix(ct, "video/") {
		return Verdict{Reason: fmt.Sprintf("content type %q is not a video", meta.ContentType)}, nil
	}
	total := int64(meta.Total)
	if total < 1 {
		total = 1
	}

	// A chunk may not exceed its share of the cap; reading one byte past the
	// share is enough to reject.
	limit := v.maxSize / total
	hash := sha256.New()
	n, err := io.Copy(hash, &ctxReader{ctx: ctx, r: io.LimitReader(r, limit+1)})
	if err != nil {
		return Verdict{}, fmt.Errorf("read chunk: %w", err)
	}
	if n > limit {
		return Verdict{Reason: fmt.Sprintf("upload exceeds %d MB limit", v.maxSize>>20), Size: n}, nil
	}
	return Verdict{Passed: true, Hash: hex.EncodeToString(hash.Sum(nil)), Size: n}, nil
}

// HashFile returns the hex SHA-256 of the file at path.
func HashFile(ctx context.Context, path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()
	hash := sha256.New()
	if _, err := io.Copy(hash, &ctxReader{ctx: ctx, r: file}); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
