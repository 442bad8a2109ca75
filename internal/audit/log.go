package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mrwolf/anchor-server/internal/models"
)

// Events recorded for notification transitions
const (
	EventScheduled   = "scheduled"
	EventRescheduled = "rescheduled"
	EventDispatched  = "dispatched"
	EventRetry       = "retry"
	EventCancelled   = "cancelled"
)

const (
	transitionsFile = "notifications.jsonl"
	weightsFile     = "weights.json"
)

// Entry is one line of the transition log
type Entry struct {
	TS             string `json:"ts"`
	Event          string `json:"event"`
	NotificationID string `json:"notification_id"`
	Category       string `json:"category"`
	DayBucket      string `json:"day_bucket"`
	Priority       string `json:"priority"`
	Status         string `json:"status"`
	DispatchAt     string `json:"dispatch_at"`
	Attempts       int    `json:"attempts,omitempty"`
	Title          string `json:"title,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// WeightsSnapshot is the periodic dump of learned state
type WeightsSnapshot struct {
	TakenAt      string             `json:"taken_at"`
	Weights      map[string]float64 `json:"weights"`
	Difficulties map[string]float64 `json:"difficulties"`
}

// Log is an append-only JSONL record of every notification transition.
// Writes are serialized so concurrent passes never interleave lines.
type Log struct {
	basePath string
	mu       sync.Mutex
}

// New creates an audit log rooted at dir
func New(dir string) (*Log, error) {
	if dir == "" {
		return nil, fmt.Errorf("audit path required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	return &Log{basePath: dir}, nil
}

// Path returns the audit directory
func (l *Log) Path() string {
	return l.basePath
}

// NewEntry builds an entry from a notification's current state
func NewEntry(event string, n models.ScheduledNotification, at time.Time) Entry {
	return Entry{
		TS:             at.UTC().Format(time.RFC3339),
		Event:          event,
		NotificationID: n.ID,
		Category:       n.Category,
		DayBucket:      n.DayBucket,
		Priority:       string(n.Priority),
		Status:         string(n.Status),
		DispatchAt:     n.DispatchAt.UTC().Format(time.RFC3339),
		Attempts:       n.Attempts,
		Title:          n.Payload.Title(),
		Reason:         n.Reason,
	}
}

// Record appends an entry to the transition log
func (l *Log) Record(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}
	if err := AppendLine(filepath.Join(l.basePath, transitionsFile), line); err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

// Entries reads back the whole transition log
func (l *Log) Entries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(filepath.Join(l.basePath, transitionsFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("decoding audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// WriteWeightsSnapshot atomically replaces weights.json
func (l *Log) WriteWeightsSnapshot(weights, difficulties map[string]float64, at time.Time) error {
	snap := WeightsSnapshot{
		TakenAt:      at.UTC().Format(time.RFC3339),
		Weights:      weights,
		Difficulties: difficulties,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling weights snapshot: %w", err)
	}
	return WriteFileAtomic(filepath.Join(l.basePath, weightsFile), data)
}

// ReadWeightsSnapshot loads the last snapshot written
func (l *Log) ReadWeightsSnapshot() (*WeightsSnapshot, error) {
	data, err := os.ReadFile(filepath.Join(l.basePath, weightsFile))
	if err != nil {
		return nil, err
	}
	var snap WeightsSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding weights snapshot: %w", err)
	}
	return &snap, nil
}
