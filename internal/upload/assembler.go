package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mediaforge/internal/models"
	"mediaforge/internal/observability/metrics"
)

var (
	// ErrInvalidChunk reports a chunk that violates the session contract:
	// an out of range index, a disagreeing total or a resized repeat.
	ErrInvalidChunk = errors.New("invalid chunk")
	// ErrAssembly reports that the concatenated file does not match the
	// recorded chunk sizes.
	ErrAssembly = errors.New("assembly failed")
)

const partMarker = ".part"

type Config struct {
	TempDir     string
	OriginalDir string
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
	Now         func() time.Time
}

// ChunkStatus is the outcome of a single accepted chunk. Assembled is false
// while the session is still partial.
type ChunkStatus struct {
	Key       string
	Received  int
	Total     int
	Assembled bool
	Path      string
	TotalSize int64
}

// Assembler reconstructs uploaded files from indexed chunks. Session state is
// derived from the chunk files in the temp directory, so a new Assembler over
// the same directory resumes sessions started by a previous process.
type Assembler struct {
	tempDir     string
	originalDir string
	logger      *slog.Logger
	metrics     *metrics.Recorder
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	mu     sync.Mutex
	state  models.UploadSession
	loaded bool
	closed bool
}

func NewAssembler(cfg Config) (*Assembler, error) {
	if strings.TrimSpace(cfg.TempDir) == "" {
		return nil, errors.New("upload temp directory is required")
	}
	if strings.TrimSpace(cfg.OriginalDir) == "" {
		return nil, errors.New("upload original directory is required")
	}
	for _, dir := range []string{cfg.TempDir, cfg.OriginalDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Assembler{
		tempDir:     cfg.TempDir,
		originalDir: cfg.OriginalDir,
		logger:      logger,
		metrics:     recorder,
		now:         now,
		sessions:    make(map[string]*session),
	}, nil
}

// ReceiveChunk stores one chunk of the upload identified by rawKey. When the
// chunk completes the set 0..total-1 the file is assembled into the original
// directory and the session is disposed.
func (a *Assembler) ReceiveChunk(ctx context.Context, rawKey string, index, total int, r io.Reader) (ChunkStatus, error) {
	status, err := a.receive(ctx, rawKey, index, total, r)
	switch {
	case err == nil && status.Assembled:
		a.metrics.ObserveChunk("assembled")
	case err == nil:
		a.metrics.ObserveChunk("partial")
	case errors.Is(err, ErrInvalidChunk):
		a.metrics.ObserveChunk("invalid")
	default:
		a.metrics.ObserveChunk("failed")
	}
	return status, err
}

func (a *Assembler) receive(ctx context.Context, rawKey string, index, total int, r io.Reader) (ChunkStatus, error) {
	key, err := SanitizeKey(rawKey)
	if err != nil {
		return ChunkStatus{}, err
	}
	if total < 1 {
		return ChunkStatus{}, fmt.Errorf("%w: total chunks %d must be at least 1", ErrInvalidChunk, total)
	}
	if index < 0 || index >= total {
		return ChunkStatus{}, fmt.Errorf("%w: chunk index %d outside [0, %d)", ErrInvalidChunk, index, total)
	}
	if err := ctx.Err(); err != nil {
		return ChunkStatus{}, err
	}

	sess := a.lock(key)
	defer a.release(sess)

	if !sess.loaded {
		if err := a.load(sess); err != nil {
			return ChunkStatus{}, err
		}
	}
	state := &sess.state
	if state.Total != 0 && state.Total != total {
		return ChunkStatus{}, fmt.Errorf("%w: total chunks %d disagrees with %d", ErrInvalidChunk, total, state.Total)
	}
	for existing := range state.Sizes {
		if existing >= total {
			return ChunkStatus{}, fmt.Errorf("%w: stored chunk %d exceeds total %d", ErrInvalidChunk, existing, total)
		}
	}

	tmp, size, err := a.writeTemp(key, index, r)
	if err != nil {
		return ChunkStatus{}, err
	}
	if previous, ok := state.Sizes[index]; ok {
		os.Remove(tmp)
		if previous != size {
			return ChunkStatus{}, fmt.Errorf("%w: chunk %d resent with %d bytes, stored %d", ErrInvalidChunk, index, size, previous)
		}
	} else {
		if err := os.Rename(tmp, a.partPath(key, index)); err != nil {
			os.Remove(tmp)
			return ChunkStatus{}, fmt.Errorf("store chunk %d: %w", index, err)
		}
		state.Sizes[index] = size
	}
	state.Total = total
	state.UpdatedAt = a.now()

	if !state.Complete() {
		return ChunkStatus{Key: key, Received: state.Received(), Total: total}, nil
	}

	path, totalSize, err := a.assemble(*state)
	a.dispose(sess)
	if err != nil {
		a.logger.Error("upload assembly failed", "key", key, "error", err)
		return ChunkStatus{}, err
	}
	a.logger.Info("upload assembled", "key", key, "chunks", total, "bytes", totalSize)
	return ChunkStatus{
		Key:       key,
		Received:  total,
		Total:     total,
		Assembled: true,
		Path:      path,
		TotalSize: totalSize,
	}, nil
}

// Discard drops every chunk stored for the session. It is a no-op for an
// unknown key.
func (a *Assembler) Discard(rawKey string) error {
	key, err := SanitizeKey(rawKey)
	if err != nil {
		return err
	}
	sess := a.lock(key)
	defer a.release(sess)
	if !sess.loaded {
		if err := a.load(sess); err != nil {
			return err
		}
	}
	a.dispose(sess)
	return nil
}

// Sweep removes sessions whose newest chunk is older than maxAge and returns
// how many sessions were dropped.
func (a *Assembler) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(a.tempDir)
	if err != nil {
		return 0, fmt.Errorf("read temp dir: %w", err)
	}
	newest := make(map[string]time.Time)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		key, _, ok := parsePartName(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(newest[key]) {
			newest[key] = info.ModTime()
		}
	}

	cutoff := a.now().Add(-maxAge)
	removed := 0
	for key, modified := range newest {
		if modified.After(cutoff) {
			continue
		}
		sess := a.lock(key)
		if !sess.loaded {
			if err := a.load(sess); err != nil {
				sess.mu.Unlock()
				return removed, err
			}
		}
		if sess.state.UpdatedAt.After(cutoff) {
			sess.mu.Unlock()
			continue
		}
		a.dispose(sess)
		sess.mu.Unlock()
		removed++
		a.logger.Info("abandoned upload removed", "key", key, "last_chunk", modified)
	}
	return removed, nil
}

// Session returns a snapshot of the in-progress session for key.
func (a *Assembler) Session(rawKey string) (models.UploadSession, bool) {
	key, err := SanitizeKey(rawKey)
	if err != nil {
		return models.UploadSession{}, false
	}
	sess := a.lock(key)
	defer a.release(sess)
	if !sess.loaded {
		if err := a.load(sess); err != nil {
			return models.UploadSession{}, false
		}
	}
	if len(sess.state.Sizes) == 0 {
		return models.UploadSession{}, false
	}
	snapshot := sess.state
	snapshot.Sizes = make(map[int]int64, len(sess.state.Sizes))
	for idx, size := range sess.state.Sizes {
		snapshot.Sizes[idx] = size
	}
	return snapshot, true
}

// lock returns the live session for key with its mutex held.
func (a *Assembler) lock(key string) *session {
	for {
		a.mu.Lock()
		sess, ok := a.sessions[key]
		if !ok {
			sess = &session{state: models.UploadSession{Key: key, Dir: a.tempDir, Sizes: make(map[int]int64)}}
			a.sessions[key] = sess
		}
		a.mu.Unlock()

		sess.mu.Lock()
		if !sess.closed {
			return sess
		}
		sess.mu.Unlock()
	}
}

// release unlocks sess, dropping it first when it holds no chunks.
func (a *Assembler) release(sess *session) {
	if !sess.closed && len(sess.state.Sizes) == 0 {
		a.dispose(sess)
	}
	sess.mu.Unlock()
}

func (a *Assembler) dispose(sess *session) {
	for index := range sess.state.Sizes {
		if err := os.Remove(a.partPath(sess.state.Key, index)); err != nil && !errors.Is(err, os.ErrNotExist) {
			a.logger.Warn("failed to remove upload chunk", "key", sess.state.Key, "index", index, "error", err)
		}
	}
	sess.closed = true
	a.mu.Lock()
	if a.sessions[sess.state.Key] == sess {
		delete(a.sessions, sess.state.Key)
	}
	a.mu.Unlock()
}

// load re-derives chunk sizes from the part files on disk. The declared total
// is not persisted and is learned again from the next chunk.
func (a *Assembler) load(sess *session) error {
	matches, err := filepath.Glob(filepath.Join(a.tempDir, sess.state.Key+partMarker+"*"))
	if err != nil {
		return fmt.Errorf("scan chunks: %w", err)
	}
	for _, match := range matches {
		key, index, ok := parsePartName(filepath.Base(match))
		if !ok || key != sess.state.Key {
			continue
		}
		info, err := os.Stat(match)
		if err != nil {
			return fmt.Errorf("stat chunk %d: %w", index, err)
		}
		sess.state.Sizes[index] = info.Size()
		if info.ModTime().After(sess.state.UpdatedAt) {
			sess.state.UpdatedAt = info.ModTime()
		}
	}
	sess.loaded = true
	return nil
}

func (a *Assembler) writeTemp(key string, index int, r io.Reader) (string, int64, error) {
	file, err := os.CreateTemp(a.tempDir, fmt.Sprintf(".%s-%d-*.tmp", key, index))
	if err != nil {
		return "", 0, fmt.Errorf("create chunk file: %w", err)
	}
	size, copyErr := io.Copy(file, r)
	closeErr := file.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(file.Name())
		if copyErr != nil {
			return "", 0, fmt.Errorf("write chunk %d: %w", index, copyErr)
		}
		return "", 0, fmt.Errorf("close chunk %d: %w", index, closeErr)
	}
	return file.Name(), size, nil
}

func (a *Assembler) assemble(state models.UploadSession) (string, int64, error) {
	indices := make([]int, 0, len(state.Sizes))
	var expected int64
	for index, size := range state.Sizes {
		indices = append(indices, index)
		expected += size
	}
	sort.Ints(indices)

	// Keys are reused by later uploads of the same filename; each assembly
	// gets its own original.
	dest := filepath.Join(a.originalDir, uuid.NewString()+"-"+state.Key)
	out, err := os.CreateTemp(a.originalDir, "."+state.Key+"-*.assembling")
	if err != nil {
		return "", 0, fmt.Errorf("%w: create output: %v", ErrAssembly, err)
	}
	fail := func(err error) (string, int64, error) {
		out.Close()
		os.Remove(out.Name())
		return "", 0, err
	}

	var written int64
	for _, index := range indices {
		n, err := appendPart(out, a.partPath(state.Key, index))
		written += n
		if err != nil {
			return fail(fmt.Errorf("%w: chunk %d: %v", ErrAssembly, index, err))
		}
	}
	if err := out.Sync(); err != nil {
		return fail(fmt.Errorf("%w: sync output: %v", ErrAssembly, err))
	}
	info, err := out.Stat()
	if err != nil {
		return fail(fmt.Errorf("%w: stat output: %v", ErrAssembly, err))
	}
	if written != expected || info.Size() != expected {
		return fail(fmt.Errorf("%w: assembled %d bytes, chunks total %d", ErrAssembly, info.Size(), expected))
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", 0, fmt.Errorf("%w: close output: %v", ErrAssembly, err)
	}
	if err := os.Rename(out.Name(), dest); err != nil {
		os.Remove(out.Name())
		return "", 0, fmt.Errorf("%w: publish output: %v", ErrAssembly, err)
	}
	return dest, expected, nil
}

func appendPart(dst io.Writer, path string) (int64, error) {
	part, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer part.Close()
	return io.Copy(dst, part)
}

func (a *Assembler) partPath(key string, index int) string {
	return filepath.Join(a.tempDir, key+partMarker+strconv.Itoa(index))
}

// parsePartName splits "<key>.part<index>" into its key and index.
func parsePartName(name string) (string, int, bool) {
	pos := strings.LastIndex(name, partMarker)
	if pos <= 0 {
		return "", 0, false
	}
	digits := name[pos+len(partMarker):]
	if digits == "" {
		return "", 0, false
	}
	index, err := strconv.Atoi(digits)
	if err != nil || index < 0 || strconv.Itoa(index) != digits {
		return "", 0, false
	}
	return name[:pos], index, true
}
