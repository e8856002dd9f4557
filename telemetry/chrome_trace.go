package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ChromeEvent is one entry in the Chrome Tracing JSON format emitted by
// BytePS's global.cc-equivalent monitor; field names match the original
// wire format exactly so existing trace viewers keep working.
type ChromeEvent struct {
	Ph   string `json:"ph"`
	Pid  int    `json:"pid"`
	Name string `json:"name"`
	Ts   int64  `json:"ts"`
	Dur  int64  `json:"dur"`
	Tid  int    `json:"tid"`
	Cat  string `json:"cat"`
}

// ChromeTraceWriter accumulates ChromeEvents for one rank and flushes them to
// <dir>/<rank>/comm.json. It implements Tracer so stage execution can record
// spans directly into the trace file.
type ChromeTraceWriter struct {
	dir       string
	rank      int
	startStep int
	endStep   int
	stepCount func() int

	mu     sync.Mutex
	events []ChromeEvent
	epoch  time.Time
}

// NewChromeTraceWriter constructs a writer rooted at dir for the given rank.
// stepCount, when non-nil, is consulted to gate emission to [startStep, endStep).
func NewChromeTraceWriter(dir string, rank, startStep, endStep int, stepCount func() int) *ChromeTraceWriter {
	return &ChromeTraceWriter{
		dir:       dir,
		rank:      rank,
		startStep: startStep,
		endStep:   endStep,
		stepCount: stepCount,
		epoch:     time.Now(),
	}
}

func (w *ChromeTraceWriter) inWindow() bool {
	if w.stepCount == nil {
		return true
	}
	step := w.stepCount()
	if w.endStep > 0 && step >= w.endStep {
		return false
	}
	return step >= w.startStep
}

// StartSpan implements Tracer.
func (w *ChromeTraceWriter) StartSpan(name string, attrs ...Attribute) Span {
	if w == nil {
		return nil
	}
	return &chromeSpan{w: w, name: name, start: time.Now()}
}

func (w *ChromeTraceWriter) record(evt ChromeEvent) {
	w.mu.Lock()
	w.events = append(w.events, evt)
	w.mu.Unlock()
}

// Flush writes the accumulated events to <dir>/<rank>/comm.json, creating
// intermediate directories as needed.
func (w *ChromeTraceWriter) Flush() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	events := append([]ChromeEvent{}, w.events...)
	w.mu.Unlock()

	rankDir := filepath.Join(w.dir, fmt.Sprint(w.rank))
	if err := os.MkdirAll(rankDir, 0o755); err != nil {
		return fmt.Errorf("telemetry: create trace dir: %w", err)
	}
	f, err := os.Create(filepath.Join(rankDir, "comm.json"))
	if err != nil {
		return fmt.Errorf("telemetry: create trace file: %w", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	return enc.Encode(events)
}

type chromeSpan struct {
	w     *ChromeTraceWriter
	name  string
	start time.Time
	cat   string
}

func (s *chromeSpan) End(err error) {
	if s == nil || s.w == nil {
		return
	}
	if !s.w.inWindow() {
		return
	}
	cat := s.cat
	if cat == "" {
		cat = "comm"
	}
	if err != nil {
		cat = cat + ",error"
	}
	s.w.record(ChromeEvent{
		Ph:   "X",
		Pid:  s.w.rank,
		Name: s.name,
		Ts:   s.start.Sub(s.w.epoch).Microseconds(),
		Dur:  time.Since(s.start).Microseconds(),
		Tid:  s.w.rank,
		Cat:  cat,
	})
}

func (s *chromeSpan) AddEvent(name string, attrs ...Attribute) {
	if s == nil || s.w == nil || !s.w.inWindow() {
		return
	}
	s.w.record(ChromeEvent{
		Ph:   "i",
		Pid:  s.w.rank,
		Name: s.name + ":" + name,
		Ts:   time.Since(s.w.epoch).Microseconds(),
		Tid:  s.w.rank,
		Cat:  "comm.event",
	})
}

func (s *chromeSpan) RecordError(err error) {
	if s == nil || s.w == nil || err == nil {
		return
	}
	s.cat = "comm,error"
}
