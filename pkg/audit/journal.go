// Package audit keeps an append-only journal of credential lifecycle
// events in a BBolt database.
//
// BBolt locks its file for as long as a database is open, so the journal
// only opens it for the duration of a single Record or List call. Several
// processes can then share one journal.
package audit

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/3scale/ovpn-pki-manager/pkg/authority"
	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var eventsBucket = []byte("events")

// DefaultTimeout bounds the wait for the database file lock
const DefaultTimeout = 5 * time.Second

// Operations recorded in the journal
const (
	OpInit    = "init"
	OpIssue   = "issue"
	OpRevoke  = "revoke"
	OpBundle  = "bundle"
	OpCRL     = "crl"
	OpCleanup = "cleanup"
)

// Event is one journal entry
type Event struct {
	ID       string    `json:"id" yaml:"id"`
	Time     time.Time `json:"time" yaml:"time"`
	Op       string    `json:"op" yaml:"op"`
	Identity string    `json:"identity,omitempty" yaml:"identity,omitempty"`
	Serial   string    `json:"serial,omitempty" yaml:"serial,omitempty"`
	Reason   string    `json:"reason,omitempty" yaml:"reason,omitempty"`
	Actor    string    `json:"actor,omitempty" yaml:"actor,omitempty"`
	Detail   string    `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// Journal is the BBolt-backed event log
type Journal struct {
	path    string
	timeout time.Duration

	// serialises the database handles opened by this process
	mu sync.Mutex
}

// Open returns the journal stored at path, creating its directory. The
// database itself is created by the first Record. A timeout of zero
// selects DefaultTimeout.
func Open(path string, timeout time.Duration) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Journal{path: path, timeout: timeout}, nil
}

// Path returns the database file
func (j *Journal) Path() string { return j.path }

func (j *Journal) open(readOnly bool) (*bbolt.DB, error) {
	db, err := bbolt.Open(j.path, 0600, &bbolt.Options{Timeout: j.timeout, ReadOnly: readOnly})
	if err != nil {
		if errors.Is(err, bbolt.ErrTimeout) {
			return nil, fmt.Errorf("%w: audit journal %s is locked", authority.ErrStoreUnavailable, j.path)
		}
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return db, nil
}

// Record appends ev, filling in its ID and time when unset
func (j *Journal) Record(ev Event) (Event, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	db, err := j.open(false)
	if err != nil {
		return Event{}, fmt.Errorf("recording %s event: %w", ev.Op, err)
	}
	defer db.Close()

	err = db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(eventsBucket)
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, data)
	})
	if err != nil {
		return Event{}, fmt.Errorf("recording %s event: %w", ev.Op, err)
	}
	return ev, nil
}

// List returns the events of identity, or all events when identity is
// empty, oldest first. A journal nothing was recorded to yet is empty.
func (j *Journal) List(identity string) ([]Event, error) {
	if _, err := os.Stat(j.path); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	db, err := j.open(true)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var events []Event
	err = db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(eventsBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("decoding event %x: %w", k, err)
			}
			if identity == "" || ev.Identity == identity {
				events = append(events, ev)
			}
			return nil
		})
	})
	return events, err
}
