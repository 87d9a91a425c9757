// Package eventlog provides the append-only, single-writer JSONL session
// event log.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/normanking/voicemoded/internal/clockenv"
	"github.com/normanking/voicemoded/internal/voicetypes"
)

// Writer is the only writer of the day's JSONL file. All other components
// enqueue events through Emit; a single goroutine drains the queue and
// flushes after every record.
type Writer struct {
	paths *clockenv.Paths
	clock clockenv.Clock

	mu      sync.Mutex
	day     string
	file    *os.File
	encoder *json.Encoder

	queue  chan voicetypes.Event
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewWriter starts the background writer goroutine.
func NewWriter(paths *clockenv.Paths, clock clockenv.Clock) (*Writer, error) {
	if clock == nil {
		clock = clockenv.RealClock{}
	}
	if err := os.MkdirAll(paths.LogsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}
	w := &Writer{
		paths: paths,
		clock: clock,
		queue: make(chan voicetypes.Event, 256),
		done:  make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Emit satisfies voicetypes.EventSink: enqueue a structured event to be
// serialized by the single writer goroutine.
func (w *Writer) Emit(sessionID string, eventType voicetypes.EventType, data map[string]any) {
	w.queue <- voicetypes.Event{
		Timestamp: w.clock.Now(),
		SessionID: sessionID,
		EventType: eventType,
		Data:      data,
	}
}

func (w *Writer) run() {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-w.queue:
			if !ok {
				return
			}
			if err := w.writeOne(ev); err != nil {
				// The event log cannot itself fail the caller; surface nothing
				// further than a best-effort stderr note.
				fmt.Fprintf(os.Stderr, "eventlog: write failed: %v\n", err)
			}
		case <-w.done:
			// Drain remaining queued events before exiting.
			for {
				select {
				case ev := <-w.queue:
					_ = w.writeOne(ev)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) writeOne(ev voicetypes.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	day := ev.Timestamp.Format("20060102")
	if w.file == nil || day != w.day {
		if w.file != nil {
			w.file.Close()
		}
		f, err := os.OpenFile(w.paths.EventLogFile(ev.Timestamp), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		w.file = f
		w.day = day
		w.encoder = json.NewEncoder(f)
	}

	record := wireRecord{
		Timestamp: ev.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		SessionID: ev.SessionID,
		EventType: string(ev.EventType),
		Data:      ev.Data,
	}
	if err := w.encoder.Encode(record); err != nil {
		return err
	}
	return w.file.Sync()
}

// Close stops the writer goroutine after draining its queue and closes the file.
func (w *Writer) Close() error {
	close(w.done)
	w.wg.Wait()
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

type wireRecord struct {
	Timestamp string         `json:"timestamp"`
	SessionID string         `json:"session_id"`
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data,omitempty"`
}

// ReadDay reads every event recorded on the day containing t, in file order.
func ReadDay(paths *clockenv.Paths, t time.Time) ([]voicetypes.Event, error) {
	f, err := os.Open(paths.EventLogFile(t))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []voicetypes.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec wireRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		ts, err := time.Parse("2006-01-02T15:04:05.000Z07:00", rec.Timestamp)
		if err != nil {
			ts, _ = time.Parse(time.RFC3339Nano, rec.Timestamp)
		}
		events = append(events, voicetypes.Event{
			Timestamp: ts,
			SessionID: rec.SessionID,
			EventType: voicetypes.EventType(rec.EventType),
			Data:      rec.Data,
		})
	}
	return events, scanner.Err()
}
