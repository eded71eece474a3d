// ABOUTME: Append-only JSONL message log with size-based segment rollover.
// ABOUTME: In-memory history is authoritative; disk failures degrade to warnings.

package persist

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/batonhq/baton/internal/protocol"
)

const (
	segmentPrefix = "messages-"
	segmentSuffix = ".log"

	// DefaultMaxSegmentBytes rolls segments at 1 MiB.
	DefaultMaxSegmentBytes = 1 << 20
	// DefaultHistoryLimit bounds the in-memory replay window.
	DefaultHistoryLimit = 1000
)

// MessageLog appends every routed envelope to a session-scoped JSONL log.
// When the active segment exceeds the size cap a new segment is started.
// The in-memory history, bounded oldest-first, serves replay queries.
type MessageLog struct {
	mu         sync.Mutex
	dir        string
	maxSegment int64
	limit      int
	segment    int
	size       int64
	history    []*protocol.Envelope
	logger     *slog.Logger
}

// LogOptions tune rollover and history bounds. Zero values take defaults.
type LogOptions struct {
	MaxSegmentBytes int64
	HistoryLimit    int
}

// NewMessageLog opens (or creates) the log in the session directory and
// replays existing segments into the in-memory history.
func NewMessageLog(dir string, opts LogOptions, logger *slog.Logger) (*MessageLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxSegmentBytes <= 0 {
		opts.MaxSegmentBytes = DefaultMaxSegmentBytes
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	l := &MessageLog{
		dir:        dir,
		maxSegment: opts.MaxSegmentBytes,
		limit:      opts.HistoryLimit,
		logger:     logger.With("component", "messagelog"),
	}
	if err := l.replay(); err != nil {
		return nil, err
	}
	return l, nil
}

// replay loads existing segments, restoring history and the active segment.
func (l *MessageLog) replay() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("reading log directory: %w", err)
	}

	var segments []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, segmentPrefix) && strings.HasSuffix(name, segmentSuffix) {
			segments = append(segments, name)
		}
	}
	sort.Strings(segments)

	for _, name := range segments {
		if n := segmentNumber(name); n > l.segment {
			l.segment = n
		}
		path := filepath.Join(l.dir, name)
		f, err := os.Open(path)
		if err != nil {
			l.logger.Warn("skipping unreadable segment", "segment", name, "error", err)
			continue
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			var env protocol.Envelope
			if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
				continue // tolerate a torn final line
			}
			l.appendHistory(&env)
		}
		f.Close()
	}

	if l.segment > 0 {
		if info, err := os.Stat(l.segmentPath(l.segment)); err == nil {
			l.size = info.Size()
		}
	} else {
		l.segment = 1
	}
	return nil
}

// Append records an envelope. The disk write is retried once; persistent
// failure is logged as a warning while the in-memory history stays
// authoritative.
func (l *MessageLog) Append(env *protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		l.logger.Warn("dropping unencodable envelope", "error", err)
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	l.appendHistory(env)

	if l.size+int64(len(data)) > l.maxSegment && l.size > 0 {
		l.segment++
		l.size = 0
	}

	if err := l.write(data); err != nil {
		if err = l.write(data); err != nil {
			l.logger.Warn("message log write failed", "segment", l.segment, "error", err)
			return
		}
	}
	l.size += int64(len(data))
}

func (l *MessageLog) write(data []byte) error {
	f, err := os.OpenFile(l.segmentPath(l.segment), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

// Messages returns the in-order accumulated history, oldest first, bounded
// by the history limit.
func (l *MessageLog) Messages() []*protocol.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*protocol.Envelope, len(l.history))
	copy(out, l.history)
	return out
}

// SegmentCount reports how many segments exist on disk.
func (l *MessageLog) SegmentCount() int {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0
	}
	count := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), segmentPrefix) && strings.HasSuffix(e.Name(), segmentSuffix) {
			count++
		}
	}
	return count
}

func (l *MessageLog) appendHistory(env *protocol.Envelope) {
	l.history = append(l.history, env)
	if len(l.history) > l.limit {
		// Oldest entries drop first.
		l.history = l.history[len(l.history)-l.limit:]
	}
}

func (l *MessageLog) segmentPath(n int) string {
	return filepath.Join(l.dir, fmt.Sprintf("%s%04d%s", segmentPrefix, n, segmentSuffix))
}

func segmentNumber(name string) int {
	var n int
	fmt.Sscanf(name, segmentPrefix+"%04d"+segmentSuffix, &n)
	return n
}
