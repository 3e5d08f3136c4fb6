package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"firestige.xyz/skylink/internal/archive"
	"firestige.xyz/skylink/internal/framesync"
)

// FileConfig configures a FileSource.
type FileConfig struct {
	Path string
	// FrameSize splits an unsynchronized file into fixed-size frames.
	FrameSize int
	// Syncer, when set, treats the file as a recorded synchronized stream instead.
	Syncer *framesync.Syncer
}

// FileSource replays transfer frames from a file.
type FileSource struct {
	cfg    FileConfig
	desync *framesync.Desynchronizer
}

// NewFileSource validates cfg and creates the source.
func NewFileSource(cfg FileConfig) (*FileSource, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("file source path is required")
	}
	s := &FileSource{cfg: cfg}
	if cfg.Syncer != nil {
		s.desync = framesync.NewDesynchronizer("file:"+cfg.Path, *cfg.Syncer)
	} else if cfg.FrameSize <= 0 {
		return nil, fmt.Errorf("file source needs a frame size or a sync marker")
	}
	return s, nil
}

// Name returns the source name.
func (s *FileSource) Name() string {
	return "file:" + s.cfg.Path
}

// SyncStats returns the desynchronizer counters of a synchronized file.
func (s *FileSource) SyncStats() framesync.Stats {
	if s.desync == nil {
		return framesync.Stats{State: framesync.Unsynchronized.String()}
	}
	return s.desync.Stats()
}

// Frames implements Source.
func (s *FileSource) Frames(ctx context.Context, out chan<- []byte) error {
	f, err := os.Open(s.cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", s.cfg.Path, err)
	}
	defer f.Close()

	if s.desync != nil {
		return s.stream(ctx, f, out)
	}

	for count := 0; ; count++ {
		frame := make([]byte, s.cfg.FrameSize)
		_, err := io.ReadFull(f, frame)
		switch {
		case err == nil:
			if err := emit(ctx, out, frame); err != nil {
				return err
			}
		case errors.Is(err, io.EOF):
			slog.Info("file replay complete", "path", s.cfg.Path, "frames", count)
			return nil
		case errors.Is(err, io.ErrUnexpectedEOF):
			slog.Warn("file ends with a partial frame", "path", s.cfg.Path, "frames", count)
			return nil
		default:
			return fmt.Errorf("failed to read %s: %w", s.cfg.Path, err)
		}
	}
}

func (s *FileSource) stream(ctx context.Context, r io.Reader, out chan<- []byte) error {
	buf := make([]byte, defaultReadSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if err := emit(ctx, out, s.desync.Feed(buf[:n])...); err != nil {
				return err
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", s.cfg.Path, err)
		}
	}
}

// ArchiveSource replays the frames of an archive file in recorded order.
type ArchiveSource struct {
	path string
}

// NewArchiveSource creates an ArchiveSource.
func NewArchiveSource(path string) *ArchiveSource {
	return &ArchiveSource{path: path}
}

// Name returns the source name.
func (s *ArchiveSource) Name() string {
	return "archive:" + s.path
}

// Frames implements Source.
func (s *ArchiveSource) Frames(ctx context.Context, out chan<- []byte) error {
	entries, err := archive.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read archive: %w", err)
	}
	for i, e := range entries {
		frame, err := e.Bytes()
		if err != nil {
			slog.Warn("skipping undecodable archive entry", "path", s.path, "index", i, "error", err)
			continue
		}
		if err := emit(ctx, out, frame); err != nil {
			return err
		}
	}
	return nil
}
