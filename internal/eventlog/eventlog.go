// Package eventlog implements the append-only, hour-segmented JSONL event
// store: the durable spine every other component writes to and reads
// from. Each segment carries a header line; appends hold a single writer
// mutex and fsync before returning; segments rotate on size and age out
// by retention.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Actor identifies who produced an event.
type Actor string

const (
	ActorUser        Actor = "user"
	ActorAssistant   Actor = "assistant"
	ActorSystem      Actor = "system"
	ActorTool        Actor = "tool"
	ActorAutonomous  Actor = "autonomous"
)

// Status is the optional outcome tag carried by some event kinds.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Event is the atomic, immutable record written to the store. The fixed
// fields below are named directly by the data model; any additional
// act-specific payload (args_preview, result_preview, quality_score,
// chunk_index, ...) rides in Fields and is flattened into the same JSON
// object on the wire, so readers see one flat record per line rather than
// a nested "data" envelope.
type Event struct {
	ID        string         `json:"-"`
	Seq       uint64         `json:"-"`
	Ts        time.Time      `json:"-"`
	Actor     Actor          `json:"-"`
	Act       string         `json:"-"`
	ConvID    string         `json:"-"`
	TraceID   string         `json:"-"`
	Iter      int            `json:"-"`
	Name      string         `json:"-"`
	Status    Status         `json:"-"`
	ElapsedMs int64          `json:"-"`
	Fields    map[string]any `json:"-"`
}

// MarshalJSON flattens the fixed fields and Fields into one JSON object.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+10)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["id"] = e.ID
	out["seq"] = e.Seq
	out["ts"] = e.Ts.UTC().Format(time.RFC3339Nano)
	out["actor"] = e.Actor
	out["act"] = e.Act
	out["conv_id"] = e.ConvID
	if e.TraceID != "" {
		out["trace_id"] = e.TraceID
	}
	if e.Iter != 0 {
		out["iter"] = e.Iter
	}
	if e.Name != "" {
		out["name"] = e.Name
	}
	if e.Status != "" {
		out["status"] = e.Status
	}
	if e.ElapsedMs != 0 {
		out["elapsed_ms"] = e.ElapsedMs
	}
	return json.Marshal(out)
}

var fixedKeys = map[string]struct{}{
	"id": {}, "seq": {}, "ts": {}, "actor": {}, "act": {}, "conv_id": {},
	"trace_id": {}, "iter": {}, "name": {}, "status": {}, "elapsed_ms": {},
}

// UnmarshalJSON extracts the fixed fields and leaves the remainder in Fields.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Fields = make(map[string]any)
	for k, v := range raw {
		if _, fixed := fixedKeys[k]; fixed {
			continue
		}
		e.Fields[k] = v
	}
	if v, ok := raw["id"].(string); ok {
		e.ID = v
	}
	if v, ok := raw["seq"].(float64); ok {
		e.Seq = uint64(v)
	}
	if v, ok := raw["ts"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			e.Ts = t
		}
	}
	if v, ok := raw["actor"].(string); ok {
		e.Actor = Actor(v)
	}
	if v, ok := raw["act"].(string); ok {
		e.Act = v
	}
	if v, ok := raw["conv_id"].(string); ok {
		e.ConvID = v
	}
	if v, ok := raw["trace_id"].(string); ok {
		e.TraceID = v
	}
	if v, ok := raw["iter"].(float64); ok {
		e.Iter = int(v)
	}
	if v, ok := raw["name"].(string); ok {
		e.Name = v
	}
	if v, ok := raw["status"].(string); ok {
		e.Status = Status(v)
	}
	if v, ok := raw["elapsed_ms"].(float64); ok {
		e.ElapsedMs = int64(v)
	}
	return nil
}

// Get returns an act-specific payload field.
func (e Event) Get(key string) (any, bool) {
	v, ok := e.Fields[key]
	return v, ok
}

type segmentHeader struct {
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	Version   int       `json:"version"`
}

const headerVersion = 1

// Store is a single-writer, append-only event log rooted at a directory.
// Segments are named ctx-YYYYMMDD-HH.jsonl, with .N suffixes when a segment
// exceeds the configured size limit within that hour.
type Store struct {
	mu  sync.Mutex
	dir string

	segmentMaxBytes int64
	retention       time.Duration

	curFile    *os.File
	curWriter  *bufio.Writer
	curBytes   int64
	curHourKey string
	curSeq     int // rotation suffix within the hour

	seq uint64

	now    func() time.Time
	newID  func() string
}

// Options configures a Store.
type Options struct {
	Dir             string
	SegmentMaxBytes int64
	RetentionDays   int
}

// Open creates (if needed) the event directory and opens/creates the
// current hour's segment for appending, resuming the sequence counter from
// the newest existing segment on disk.
func Open(opts Options) (*Store, error) {
	if opts.SegmentMaxBytes <= 0 {
		opts.SegmentMaxBytes = 10 << 20
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: create dir: %w", err)
	}
	s := &Store{
		dir:             opts.Dir,
		segmentMaxBytes: opts.SegmentMaxBytes,
		retention:       time.Duration(opts.RetentionDays) * 24 * time.Hour,
		now:             time.Now,
		newID:           func() string { return uuid.NewString() },
	}
	if err := s.resumeSequence(); err != nil {
		return nil, err
	}
	if err := s.rollToCurrentHour(); err != nil {
		return nil, err
	}
	return s, nil
}

// Append writes a new event to the current segment, assigning it an id,
// sequence number, and timestamp (inside the writer lock, so insertion
// order is preserved), then flushing and fsyncing before returning.
func (s *Store) Append(evt Event) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rollToCurrentHour(); err != nil {
		return Event{}, err
	}

	s.seq++
	evt.Seq = s.seq
	if evt.ID == "" {
		evt.ID = s.newID()
	}
	if evt.Ts.IsZero() {
		evt.Ts = s.now()
	}

	line, err := json.Marshal(evt)
	if err != nil {
		return Event{}, fmt.Errorf("eventlog: marshal event: %w", err)
	}
	line = append(line, '\n')

	if s.curBytes+int64(len(line)) > s.segmentMaxBytes && s.curBytes > 0 {
		if err := s.rotate(); err != nil {
			return Event{}, err
		}
	}

	n, err := s.curWriter.Write(line)
	if err != nil {
		return Event{}, fmt.Errorf("eventlog: write: %w", err)
	}
	if err := s.curWriter.Flush(); err != nil {
		return Event{}, fmt.Errorf("eventlog: flush: %w", err)
	}
	if err := s.curFile.Sync(); err != nil {
		return Event{}, fmt.Errorf("eventlog: fsync: %w", err)
	}
	s.curBytes += int64(n)

	s.sweepRetentionLocked()
	return evt, nil
}

// TailFilter narrows a Tail query.
type TailFilter struct {
	ConvID string
	Acts   []string // empty means no act filter
}

func (f TailFilter) matches(e Event) bool {
	if f.ConvID != "" && e.ConvID != f.ConvID {
		return false
	}
	if len(f.Acts) > 0 {
		ok := false
		for _, a := range f.Acts {
			if e.Act == a {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Tail returns up to n of the most recent matching events, newest first,
// scanning from the youngest segment backward and stopping early once n is
// reached, per the Event Store's tail contract.
func (s *Store) Tail(n int, filter TailFilter) ([]Event, error) {
	s.mu.Lock()
	segments, err := s.listSegmentsLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var out []Event
	for i := len(segments) - 1; i >= 0 && len(out) < n; i-- {
		evts, err := readSegment(segments[i])
		if err != nil {
			return nil, err
		}
		for j := len(evts) - 1; j >= 0; j-- {
			if !filter.matches(evts[j]) {
				continue
			}
			out = append(out, evts[j])
			if len(out) >= n {
				break
			}
		}
	}
	return out, nil
}

// Stream invokes fn for every event with Seq strictly greater than
// afterSeq, across all segments in commit order, stopping early if fn
// returns false. It is a one-shot catch-up read; live tailing is layered
// on top by internal/api polling Stream on an interval.
func (s *Store) Stream(afterSeq uint64, convID string, fn func(Event) bool) error {
	s.mu.Lock()
	segments, err := s.listSegmentsLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	for _, seg := range segments {
		evts, err := readSegment(seg)
		if err != nil {
			return err
		}
		for _, e := range evts {
			if e.Seq <= afterSeq {
				continue
			}
			if convID != "" && e.ConvID != convID {
				continue
			}
			if !fn(e) {
				return nil
			}
		}
	}
	return nil
}

// Close flushes and closes the current segment file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.curFile == nil {
		return nil
	}
	if err := s.curWriter.Flush(); err != nil {
		return err
	}
	return s.curFile.Close()
}

// LatestSeq returns the highest sequence number written so far, used as a
// stream cursor by new subscribers that only want events from "now" on.
func (s *Store) LatestSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func (s *Store) hourKey(t time.Time) string {
	return t.UTC().Format("20060102-15")
}

func (s *Store) segmentPath(hourKey string, suffix int) string {
	name := fmt.Sprintf("ctx-%s.jsonl", hourKey)
	if suffix > 0 {
		name = fmt.Sprintf("%s.%d", name, suffix)
	}
	return filepath.Join(s.dir, name)
}

// rollToCurrentHour opens a new segment if the wall-clock hour has changed
// since the currently open segment was created.
func (s *Store) rollToCurrentHour() error {
	hourKey := s.hourKey(s.now())
	if s.curFile != nil && s.curHourKey == hourKey {
		return nil
	}
	if s.curFile != nil {
		s.curWriter.Flush()
		s.curFile.Close()
	}
	return s.openSegment(hourKey, 0)
}

// rotate starts a new suffixed segment within the same hour because the
// current one exceeded segmentMaxBytes.
func (s *Store) rotate() error {
	s.curWriter.Flush()
	s.curFile.Close()
	return s.openSegment(s.curHourKey, s.curSeq+1)
}

func (s *Store) openSegment(hourKey string, suffix int) error {
	path := s.segmentPath(hourKey, suffix)
	writeHeader := true
	if fi, err := os.Stat(path); err == nil {
		writeHeader = fi.Size() == 0
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("eventlog: open segment: %w", err)
	}

	s.curFile = f
	s.curWriter = bufio.NewWriter(f)
	s.curHourKey = hourKey
	s.curSeq = suffix

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("eventlog: stat segment: %w", err)
	}
	s.curBytes = fi.Size()

	if writeHeader {
		hdr, _ := json.Marshal(segmentHeader{Kind: "eventlog", CreatedAt: s.now(), Version: headerVersion})
		line := append(hdr, '\n')
		n, err := s.curWriter.Write(line)
		if err != nil {
			return fmt.Errorf("eventlog: write header: %w", err)
		}
		if err := s.curWriter.Flush(); err != nil {
			return err
		}
		s.curBytes += int64(n)
	}
	return nil
}

// resumeSequence scans existing segments once at boot to recover the
// highest seq written previously, so restarts don't reuse sequence numbers.
func (s *Store) resumeSequence() error {
	segments, err := s.listSegmentsLocked()
	if err != nil {
		return err
	}
	for _, seg := range segments {
		evts, err := readSegment(seg)
		if err != nil {
			return err
		}
		for _, e := range evts {
			if e.Seq > s.seq {
				s.seq = e.Seq
			}
		}
	}
	return nil
}

func (s *Store) listSegmentsLocked() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("eventlog: read dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), "ctx-") && strings.Contains(e.Name(), ".jsonl") {
			files = append(files, filepath.Join(s.dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// sweepRetentionLocked deletes segment files whose hour bucket is older
// than the configured retention window. Called opportunistically after
// every append rather than on a background timer.
func (s *Store) sweepRetentionLocked() {
	if s.retention <= 0 {
		return
	}
	cutoff := s.now().Add(-s.retention)
	segments, err := s.listSegmentsLocked()
	if err != nil {
		return
	}
	for _, seg := range segments {
		base := filepath.Base(seg)
		hourPart := strings.TrimPrefix(base, "ctx-")
		hourPart = strings.SplitN(hourPart, ".", 2)[0]
		t, err := time.Parse("20060102-15", hourPart)
		if err != nil {
			continue
		}
		if t.Before(cutoff) {
			os.Remove(seg)
		}
	}
}

// readSegment reads every well-formed event line in a segment, skipping
// the header line and ignoring a partial trailing line (treated as absent,
// per the store's crash-recovery contract).
func readSegment(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	first := true
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if first {
			first = false
			var hdr segmentHeader
			if err := json.Unmarshal(line, &hdr); err == nil && hdr.Kind == "eventlog" {
				continue
			}
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: scan %s: %w", path, err)
	}
	return events, nil
}
