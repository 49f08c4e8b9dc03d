package persist

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/argus-monitor/argus/pkg/clock"
	"github.com/argus-monitor/argus/pkg/log"
)

// DefaultSnapshotInterval is how often program state hits disk.
const DefaultSnapshotInterval = 5 * time.Minute

var (
	bucketObjects  = []byte("objects")
	bucketModified = []byte("modified_attributes")
	bucketMeta     = []byte("meta")
)

// ObjectState is one serialized object: the snapshotter treats the state
// blob as opaque.
type ObjectState struct {
	Type  string          `json:"type"`
	Name  string          `json:"name"`
	State json.RawMessage `json:"state"`
}

// ModifiedAttribute is one journal entry for a runtime attribute change
// that must survive a restart.
type ModifiedAttribute struct {
	Type      string  `json:"type"`
	Name      string  `json:"name"`
	Attribute string  `json:"attr"`
	Value     any     `json:"value"`
	Ts        float64 `json:"ts"`
}

// Config wires the snapshotter.
type Config struct {
	Clock  clock.Clock
	Timers *clock.TimerService

	// Path is the snapshot file. Writes go to Path+".tmp" and rename over.
	Path string

	// Collect produces the current object states. Called from a timer
	// worker, so it must not block on the check hot path.
	Collect func() []ObjectState

	Interval time.Duration
}

// Snapshotter periodically dumps program state and the modified-attribute
// journal to a bbolt file, atomically via temp-file + rename.
type Snapshotter struct {
	cfg   Config
	timer *clock.Timer

	mu      sync.Mutex
	journal []ModifiedAttribute
	closed  bool
}

// NewSnapshotter creates a snapshotter; Start arms the periodic dump.
func NewSnapshotter(cfg Config) *Snapshotter {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSnapshotInterval
	}
	return &Snapshotter{cfg: cfg}
}

// Start arms the periodic snapshot timer.
func (s *Snapshotter) Start() {
	if s.cfg.Timers == nil {
		return
	}
	s.timer = s.cfg.Timers.NewTimer(s.cfg.Interval, func() {
		if err := s.Snapshot(); err != nil {
			log.WithComponent("persist").Error().Err(err).Msg("Periodic snapshot failed")
		}
	})
	s.timer.Start()
}

// Close takes a final snapshot and stops the timer. Idempotent.
func (s *Snapshotter) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	return s.Snapshot()
}

// RecordModifiedAttribute appends a journal entry; it is flushed with the
// next snapshot.
func (s *Snapshotter) RecordModifiedAttribute(objType, name, attr string, value any) {
	entry := ModifiedAttribute{
		Type:      objType,
		Name:      name,
		Attribute: attr,
		Value:     value,
		Ts:        clock.ToUnix(s.cfg.Clock.Now()),
	}
	s.mu.Lock()
	s.journal = append(s.journal, entry)
	s.mu.Unlock()
}

// JournalLen returns the number of pending journal entries.
func (s *Snapshotter) JournalLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.journal)
}

// Snapshot writes the current state dump. The previous snapshot stays
// intact until the rename, so a crash mid-write never loses it.
func (s *Snapshotter) Snapshot() error {
	started := s.cfg.Clock.Now()

	var objects []ObjectState
	if s.cfg.Collect != nil {
		objects = s.cfg.Collect()
	}
	s.mu.Lock()
	journal := append([]ModifiedAttribute(nil), s.journal...)
	s.mu.Unlock()

	tmp := s.cfg.Path + ".tmp"
	if err := s.writeFile(tmp, objects, journal); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.cfg.Path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming snapshot into place: %w", err)
	}

	log.WithComponent("persist").Info().
		Int("objects", len(objects)).
		Int("journal", len(journal)).
		Dur("took", s.cfg.Clock.Now().Sub(started)).
		Msg("Wrote state snapshot")
	return nil
}

func (s *Snapshotter) writeFile(path string, objects []ObjectState, journal []ModifiedAttribute) error {
	os.Remove(path)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("opening snapshot temp file: %w", err)
	}
	defer db.Close()

	return db.Update(func(tx *bolt.Tx) error {
		ob, err := tx.CreateBucketIfNotExists(bucketObjects)
		if err != nil {
			return err
		}
		for _, obj := range objects {
			blob, err := json.Marshal(obj)
			if err != nil {
				return fmt.Errorf("serializing %s '%s': %w", obj.Type, obj.Name, err)
			}
			if err := ob.Put(objectKey(obj.Type, obj.Name), blob); err != nil {
				return err
			}
		}

		mb, err := tx.CreateBucketIfNotExists(bucketModified)
		if err != nil {
			return err
		}
		for i, entry := range journal {
			blob, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("serializing journal entry %d: %w", i, err)
			}
			var key [8]byte
			binary.BigEndian.PutUint64(key[:], uint64(i))
			if err := mb.Put(key[:], blob); err != nil {
				return err
			}
		}

		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		ts, _ := json.Marshal(clock.ToUnix(s.cfg.Clock.Now()))
		return meta.Put([]byte("written_at"), ts)
	})
}

// Load reads a snapshot back. A missing file is not an error: a cold start
// simply has no prior state.
func Load(path string) ([]ObjectState, []ModifiedAttribute, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil, nil
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{ReadOnly: true, Timeout: time.Second})
	if err != nil {
		return nil, nil, fmt.Errorf("opening snapshot: %w", err)
	}
	defer db.Close()

	var objects []ObjectState
	var journal []ModifiedAttribute
	err = db.View(func(tx *bolt.Tx) error {
		if ob := tx.Bucket(bucketObjects); ob != nil {
			if err := ob.ForEach(func(k, v []byte) error {
				var obj ObjectState
				if err := json.Unmarshal(v, &obj); err != nil {
					return fmt.Errorf("corrupt object record %q: %w", k, err)
				}
				objects = append(objects, obj)
				return nil
			}); err != nil {
				return err
			}
		}
		if mb := tx.Bucket(bucketModified); mb != nil {
			return mb.ForEach(func(k, v []byte) error {
				var entry ModifiedAttribute
				if err := json.Unmarshal(v, &entry); err != nil {
					return fmt.Errorf("corrupt journal record %q: %w", k, err)
				}
				journal = append(journal, entry)
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return objects, journal, nil
}

func objectKey(objType, name string) []byte {
	return []byte(objType + "\x00" + name)
}
