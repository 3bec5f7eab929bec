package fallback

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/ehr/compliance/internal/platform/audit"
)

// Markers distinguish fallback lines from anything else that might share
// the file.
const (
	MarkerFallback   = "audit_fallback"
	MarkerDeadLetter = "audit_dead_letter"
)

// fileRecord is one JSON line in the fallback file.
type fileRecord struct {
	Marker    string          `json:"marker"`
	WrittenAt time.Time       `json:"written_at"`
	Event     *audit.Event    `json:"event,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// FileSink appends fallback records to a local JSON-lines file. Every write
// is synced before it returns.
type FileSink struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

func NewFileSink(path string) *FileSink {
	return &FileSink{path: path, now: time.Now}
}

// Path returns the file the sink appends to.
func (s *FileSink) Path() string {
	return s.path
}

// Append writes the event with the fallback marker.
func (s *FileSink) Append(e *audit.Event) error {
	return s.write(fileRecord{Marker: MarkerFallback, WrittenAt: s.now().UTC(), Event: e})
}

// DeadLetter records a queue entry that could not be decoded or trusted.
// Valid JSON is kept verbatim; anything else is stored as a JSON string.
func (s *FileSink) DeadLetter(raw []byte, reason string) error {
	payload := json.RawMessage(raw)
	if !json.Valid(raw) {
		quoted, err := json.Marshal(string(raw))
		if err != nil {
			return fmt.Errorf("fallback: encode dead letter: %w", err)
		}
		payload = quoted
	}
	return s.write(fileRecord{Marker: MarkerDeadLetter, WrittenAt: s.now().UTC(), Reason: reason, Raw: payload})
}

func (s *FileSink) write(rec fileRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("fallback: encode file record: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("fallback: open %s: %w", s.path, err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("fallback: write %s: %w", s.path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fallback: sync %s: %w", s.path, err)
	}
	return f.Close()
}

// ReadEvents returns every fallback-marked event in the file at path.
// Dead letters and lines without the fallback marker are counted as skipped.
func ReadEvents(path string) ([]*audit.Event, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var events []*audit.Event
	skipped := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec fileRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil || rec.Marker != MarkerFallback || rec.Event == nil {
			skipped++
			continue
		}
		events = append(events, rec.Event)
	}
	if err := sc.Err(); err != nil {
		return nil, 0, fmt.Errorf("fallback: read %s: %w", path, err)
	}
	return events, skipped, nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}
