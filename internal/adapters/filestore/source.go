// Package filestore reads job input from JSONL files and writes exported results next to them.
package filestore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/target/inferbatch/internal/core"
	"github.com/target/inferbatch/internal/domain/model"
	apperrors "github.com/target/inferbatch/internal/errors"
)

const (
	fileScheme   = "file://"
	indexSuffix  = ".idx"
	indexMagic   = "IBIDX001"
	maxLineBytes = 16 << 20
)

// SourceOptions configures a JSONL request source.
type SourceOptions struct {
	// Root confines input refs to files below it. Empty allows any path.
	Root   string
	Logger *slog.Logger
}

// Source is a core.RequestSource over JSONL files. Each non-blank line is one request:
//
//	{"custom_id": "req-1", "body": {...}}
//
// Line offsets are kept in a sidecar index (<file>.idx) so reads at a checkpoint seek directly
// to the first line instead of rescanning the file.
type Source struct {
	root   string
	logger *slog.Logger

	mu      sync.Mutex
	indexes map[string]*lineIndex
}

var _ core.RequestSource = (*Source)(nil)

// NewSource constructs a Source.
func NewSource(opts SourceOptions) (*Source, error) {
	root := ""
	if opts.Root != "" {
		abs, err := filepath.Abs(opts.Root)
		if err != nil {
			return nil, fmt.Errorf("resolve input root: %w", err)
		}
		root = abs
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		root:    root,
		logger:  logger.With("component", "filestore_source"),
		indexes: make(map[string]*lineIndex),
	}, nil
}

// lineIndex records the byte offset of every request line in a file at a given size and mtime.
type lineIndex struct {
	size    int64
	modTime int64
	offsets []int64
}

func (ix *lineIndex) matches(fi os.FileInfo) bool {
	return ix.size == fi.Size() && ix.modTime == fi.ModTime().UnixNano()
}

// Count validates every line of the input and returns the number of requests.
func (s *Source) Count(ctx context.Context, inputRef string) (int, error) {
	path, err := s.resolve(inputRef)
	if err != nil {
		return 0, err
	}
	ix, err := s.index(ctx, path)
	if err != nil {
		return 0, err
	}
	return len(ix.offsets), nil
}

// Read returns up to limit requests starting at request index offset.
func (s *Source) Read(ctx context.Context, inputRef string, offset, limit int) ([]model.InferenceRequest, error) {
	if offset < 0 || limit < 0 {
		return nil, apperrors.Validationf("invalid read window offset=%d limit=%d", offset, limit)
	}
	path, err := s.resolve(inputRef)
	if err != nil {
		return nil, err
	}
	ix, err := s.index(ctx, path)
	if err != nil {
		return nil, err
	}
	if offset >= len(ix.offsets) || limit == 0 {
		return nil, nil
	}
	end := min(offset+limit, len(ix.offsets))

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Seek(ix.offsets[offset], io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek input: %w", err)
	}

	r := bufio.NewReader(f)
	out := make([]model.InferenceRequest, 0, end-offset)
	for i := offset; i < end; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line, readErr := readLine(r)
		if len(bytes.TrimSpace(line)) > 0 {
			req, err := decodeRequest(line)
			if err != nil {
				return nil, apperrors.Validationf("input line for request %d: %v", i, err)
			}
			req.Index = i
			out = append(out, req)
			i++
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) && i < end {
				return nil, fmt.Errorf("input shrank: read %d of %d requests", i-offset, end-offset)
			}
			if !errors.Is(readErr, io.EOF) {
				return nil, fmt.Errorf("read input: %w", readErr)
			}
			break
		}
	}
	return out, nil
}

// resolve maps an input ref to a file path, rejecting refs that escape the configured root.
func (s *Source) resolve(inputRef string) (string, error) {
	ref := strings.TrimPrefix(strings.TrimSpace(inputRef), fileScheme)
	if ref == "" {
		return "", apperrors.ValidationField("input_ref", "input_ref is required")
	}
	if s.root == "" {
		return filepath.Clean(ref), nil
	}
	path := ref
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.root, path)
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", apperrors.ValidationField("input_ref", "input_ref is outside the input directory")
	}
	return path, nil
}

// index returns the line index for path, loading the sidecar or rebuilding it when stale.
func (s *Source) index(ctx context.Context, path string) (*lineIndex, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "input file does not exist")
		}
		return nil, fmt.Errorf("stat input: %w", err)
	}
	if fi.IsDir() {
		return nil, apperrors.Validation("input ref is a directory")
	}

	s.mu.Lock()
	cached := s.indexes[path]
	s.mu.Unlock()
	if cached != nil && cached.matches(fi) {
		return cached, nil
	}

	ix, err := readSidecar(path + indexSuffix)
	if err != nil || !ix.matches(fi) {
		ix, err = buildIndex(ctx, path, fi)
		if err != nil {
			return nil, err
		}
		if werr := writeSidecar(path+indexSuffix, ix); werr != nil {
			s.logger.DebugContext(ctx, "line index not persisted", "path", path, "error", werr)
		}
	}

	s.mu.Lock()
	s.indexes[path] = ix
	s.mu.Unlock()
	return ix, nil
}

func buildIndex(ctx context.Context, path string, fi os.FileInfo) (*lineIndex, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer func() { _ = f.Close() }()

	ix := &lineIndex{size: fi.Size(), modTime: fi.ModTime().UnixNano()}
	r := bufio.NewReader(f)
	var pos int64
	for lineNo := 1; ; lineNo++ {
		if lineNo%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		line, readErr := readLine(r)
		if len(bytes.TrimSpace(line)) > 0 {
			if _, err := decodeRequest(line); err != nil {
				return nil, apperrors.Validationf("input line %d: %v", lineNo, err)
			}
			ix.offsets = append(ix.offsets, pos)
		}
		pos += int64(len(line))
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return ix, nil
			}
			return nil, fmt.Errorf("scan input: %w", readErr)
		}
	}
}

// readLine returns the next line including its newline. The final line may lack one.
func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxLineBytes {
			return nil, apperrors.Validationf("line exceeds %d bytes", maxLineBytes)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return line, err
	}
}

type requestLine struct {
	CustomID string          `json:"custom_id"`
	Body     json.RawMessage `json:"body"`
}

func decodeRequest(line []byte) (model.InferenceRequest, error) {
	var rl requestLine
	if err := json.Unmarshal(line, &rl); err != nil {
		return model.InferenceRequest{}, fmt.Errorf("not a JSON object: %w", err)
	}
	if len(rl.Body) == 0 || bytes.Equal(rl.Body, []byte("null")) {
		return model.InferenceRequest{}, errors.New("missing body")
	}
	return model.InferenceRequest{CustomID: rl.CustomID, Body: rl.Body}, nil
}

// Sidecar layout: magic, size, mtime, count, then count offsets; all little-endian int64.
func readSidecar(path string) (*lineIndex, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < len(indexMagic)+24 || string(raw[:len(indexMagic)]) != indexMagic {
		return nil, errors.New("bad index header")
	}
	rest := raw[len(indexMagic):]
	next := func() int64 {
		v := int64(binary.LittleEndian.Uint64(rest[:8])) // #nosec G115 - written by writeSidecar
		rest = rest[8:]
		return v
	}
	ix := &lineIndex{size: next(), modTime: next()}
	n := next()
	if n < 0 || int64(len(rest)) != n*8 {
		return nil, errors.New("bad index length")
	}
	ix.offsets = make([]int64, n)
	for i := range ix.offsets {
		ix.offsets[i] = next()
	}
	return ix, nil
}

func writeSidecar(path string, ix *lineIndex) error {
	buf := make([]byte, 0, len(indexMagic)+24+8*len(ix.offsets))
	buf = append(buf, indexMagic...)
	// #nosec G115 - sizes, offsets and counts are non-negative; mtime round-trips through uint64.
	buf = binary.LittleEndian.AppendUint64(buf, uint64(ix.size))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(ix.modTime))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(ix.offsets)))
	for _, off := range ix.offsets {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(off))
	}
	return writeAtomic(path, func(w io.Writer) error {
		_, err := w.Write(buf)
		return err
	})
}

// writeAtomic writes to a temp file in the target directory and renames it into place.
func writeAtomic(path string, fill func(w io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	bw := bufio.NewWriter(tmp)
	if err := fill(bw); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
