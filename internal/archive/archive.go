// Package archive persists tagged transfer frames as newline-delimited JSON.
package archive

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/skylink/internal/core"
)

const frameExt = ".AOS_TF.ndjson"

// Config configures an Archive.
type Config struct {
	Dir             string
	VirtualChannels []core.VCID // channels to archive
	PassID          string
	SVIdentifier    string
	MaxSizeMB       int
	MaxBackups      int
	MaxAgeDays      int
	Compress        bool
}

// FrameRecord is the archived form of a TaggedFrame.
type FrameRecord struct {
	ChannelCounter  uint32 `json:"channel_counter"`
	AbsoluteCounter uint64 `json:"absolute_counter"`
	VCID            string `json:"vcid"`
	Corrupt         bool   `json:"corrupt_frame"`
	OutOfSequence   bool   `json:"out_of_sequence"`
	Idle            bool   `json:"is_idle"`
	Frame           string `json:"frame"` // hex
}

// Entry is one line of an archive file.
type Entry struct {
	TimeProcessed time.Time   `json:"time_processed"`
	Data          FrameRecord `json:"data"`
}

// Bytes decodes the archived frame.
func (e Entry) Bytes() ([]byte, error) {
	return hex.DecodeString(e.Data.Frame)
}

// Archive writes frames of the configured channels to per-channel rotated files;
// corrupt frames go to a separate corrupt/ file of the same channel.
type Archive struct {
	cfg     Config
	mu      sync.Mutex
	writers map[string]*lumberjack.Logger
	wanted  map[core.VCID]bool

	written  uint64
	rejected uint64
}

// New creates an Archive rooted at cfg.Dir.
func New(cfg Config) (*Archive, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: archive dir is required", core.ErrConfigInvalid)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive dir: %w", err)
	}
	wanted := make(map[core.VCID]bool, len(cfg.VirtualChannels))
	for _, v := range cfg.VirtualChannels {
		wanted[v] = true
	}
	return &Archive{
		cfg:     cfg,
		writers: make(map[string]*lumberjack.Logger),
		wanted:  wanted,
	}, nil
}

// Path returns the file a frame of vcid is archived to.
func (a *Archive) Path(vcid core.VCID, corrupt bool) string {
	name := vcid.String()
	if a.cfg.SVIdentifier != "" {
		name += "_" + a.cfg.SVIdentifier
	}
	if a.cfg.PassID != "" {
		name += "_" + a.cfg.PassID
	}
	dir := filepath.Join(a.cfg.Dir, vcid.String())
	if corrupt {
		dir = filepath.Join(dir, "corrupt")
	}
	return filepath.Join(dir, name+frameExt)
}

// Write appends tf to its channel file. Frames of channels outside the configured
// set are logged and skipped.
func (a *Archive) Write(tf core.TaggedFrame) error {
	if !a.wanted[tf.VCID] {
		a.mu.Lock()
		a.rejected++
		a.mu.Unlock()
		slog.Debug("frame not archived, channel not of interest", "vcid", tf.VCID.String())
		return nil
	}

	entry := Entry{
		TimeProcessed: time.Now().UTC(),
		Data: FrameRecord{
			ChannelCounter:  tf.ChannelCounter,
			AbsoluteCounter: tf.AbsoluteCounter,
			VCID:            tf.VCID.String(),
			Corrupt:         tf.Corrupt,
			OutOfSequence:   tf.OutOfSequence,
			Idle:            tf.Idle,
			Frame:           hex.EncodeToString(tf.Frame),
		},
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode archive entry: %w", err)
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()

	w := a.writer(a.Path(tf.VCID, tf.Corrupt))
	if _, err := w.Write(line); err != nil {
		return fmt.Errorf("failed to write archive %s: %w", w.Filename, err)
	}
	a.written++
	return nil
}

func (a *Archive) writer(path string) *lumberjack.Logger {
	if w, ok := a.writers[path]; ok {
		return w
	}
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    a.cfg.MaxSizeMB,
		MaxBackups: a.cfg.MaxBackups,
		MaxAge:     a.cfg.MaxAgeDays,
		Compress:   a.cfg.Compress,
	}
	a.writers[path] = w
	return w
}

// Stats returns written and skipped frame counts.
func (a *Archive) Stats() (written, rejected uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.written, a.rejected
}

// Close closes every open file.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []string
	for path, w := range a.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", path, err))
		}
	}
	a.writers = make(map[string]*lumberjack.Logger)
	if len(errs) > 0 {
		return fmt.Errorf("failed to close archive: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ReadFile loads every entry of an archive file.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		entries = append(entries, e)
	}
	return entries, sc.Err()
}
