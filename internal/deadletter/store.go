// Dead letter storage for jobs that exhausted their retry budget or
// arrived too malformed to requeue. Records are appended to a JSONL
// file so operators can inspect, fix and republish them by hand.
package deadletter

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hbomb79/Iris/pkg/logger"
)

var log = logger.Get("DeadLetter")

type Config struct {
	// Path of the JSONL file records are appended to.
	Path string
}

// Record is one dead-lettered message. Payload holds the message
// exactly as it was last seen on the queue so a corrected copy can be
// republished without guessing at the original contents.
type Record struct {
	QueuedAt   time.Time `json:"queuedAt"`
	MessageID  string    `json:"messageId"`
	Payload    string    `json:"payload"`
	Reason     string    `json:"reason"`
	RetryCount int       `json:"retryCount"`
}

type Store struct {
	*sync.Mutex
	path string
}

func New(config Config) *Store {
	return &Store{
		Mutex: &sync.Mutex{},
		path:  config.Path,
	}
}

// Append durably writes a record to the store. The file is synced
// before returning so a crash immediately afterwards cannot lose the
// record; if this returns an error the caller must leave the source
// message unacknowledged.
func (store *Store) Append(record Record) error {
	store.Lock()
	defer store.Unlock()

	if err := os.MkdirAll(filepath.Dir(store.path), 0755); err != nil {
		return fmt.Errorf("failed to create dead letter directory: %w", err)
	}

	handle, err := os.OpenFile(store.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open dead letter store: %w", err)
	}
	defer handle.Close()

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter record: %w", err)
	}

	if _, err := handle.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append dead letter record: %w", err)
	}

	if err := handle.Sync(); err != nil {
		return fmt.Errorf("failed to sync dead letter store: %w", err)
	}

	log.Emit(logger.WARNING, "Dead lettered message %s after %d attempt(s): %s\n", record.MessageID, record.RetryCount, record.Reason)
	return nil
}

// All returns every record currently in the store, oldest first. Lines
// that fail to decode are skipped with a warning rather than failing
// the whole read; the store is append-only and a partial torn line can
// only be the last one.
func (store *Store) All() ([]Record, error) {
	store.Lock()
	defer store.Unlock()

	handle, err := os.Open(store.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Record{}, nil
		}

		return nil, fmt.Errorf("failed to open dead letter store: %w", err)
	}
	defer handle.Close()

	records := make([]Record, 0)
	scanner := bufio.NewScanner(handle)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var record Record
		if err := json.Unmarshal(line, &record); err != nil {
			log.Warnf("Skipping malformed dead letter line: %v\n", err)
			continue
		}

		records = append(records, record)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dead letter store: %w", err)
	}

	return records, nil
}
