package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/types"
)

var (
	// Bucket names
	bucketTasks    = []byte("tasks")
	bucketAgents   = []byte("agents")
	bucketWAL      = []byte("wal")
	bucketSnapshot = []byte("snapshot")
)

// Fixed key for the single current snapshot.
var snapshotKey = []byte("current")

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "drover.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketTasks, bucketAgents, bucketWAL, bucketSnapshot}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Task operations
func (s *BoltStore) SaveTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put([]byte(task.ID), data)
	})
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", types.ErrTaskNotFound, id)
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	return tasks, err
}

func (s *BoltStore) DeleteTask(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.Delete([]byte(id))
	})
}

// Agent operations
func (s *BoltStore) SaveAgent(agent *types.Agent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		data, err := json.Marshal(agent)
		if err != nil {
			return err
		}
		return b.Put([]byte(agent.ID), data)
	})
}

func (s *BoltStore) GetAgent(id string) (*types.Agent, error) {
	var agent types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", types.ErrAgentNotFound, id)
		}
		return json.Unmarshal(data, &agent)
	})
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

func (s *BoltStore) ListAgents() ([]*types.Agent, error) {
	var agents []*types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		return b.ForEach(func(k, v []byte) error {
			var agent types.Agent
			if err := json.Unmarshal(v, &agent); err != nil {
				return err
			}
			agents = append(agents, &agent)
			return nil
		})
	})
	return agents, err
}

func (s *BoltStore) DeleteAgent(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		return b.Delete([]byte(id))
	})
}

// AppendEvent writes the event to the WAL and returns its sequence
// number. Keys are big-endian so cursor order is log order.
func (s *BoltStore) AppendEvent(event *events.Event) (uint64, error) {
	var lsn uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWAL)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		lsn = seq

		record := WALRecord{
			LSN:       lsn,
			Timestamp: event.Timestamp,
			Type:      event.Type,
			TaskID:    event.TaskID,
			AgentID:   event.AgentID,
			Message:   event.Message,
			Metadata:  event.Metadata,
		}
		data, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		return b.Put(lsnKey(lsn), data)
	})
	return lsn, err
}

// EventsSince returns all WAL records with LSN strictly greater than the
// given position.
func (s *BoltStore) EventsSince(lsn uint64) ([]*WALRecord, error) {
	var records []*WALRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketWAL).Cursor()
		for k, v := c.Seek(lsnKey(lsn + 1)); k != nil; k, v = c.Next() {
			var record WALRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, &record)
		}
		return nil
	})
	return records, err
}

// LastLSN returns the sequence number of the most recently appended
// event. Pruning does not rewind it.
func (s *BoltStore) LastLSN() (uint64, error) {
	var lsn uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		lsn = tx.Bucket(bucketWAL).Sequence()
		return nil
	})
	return lsn, err
}

// SaveSnapshot stores the snapshot and prunes WAL records it covers.
func (s *BoltStore) SaveSnapshot(snapshot *Snapshot) error {
	if snapshot.SavedAt.IsZero() {
		snapshot.SavedAt = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(snapshot)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketSnapshot).Put(snapshotKey, data); err != nil {
			return err
		}

		c := tx.Bucket(bucketWAL).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if binary.BigEndian.Uint64(k) > snapshot.LSN {
				break
			}
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadSnapshot returns the current snapshot, or nil when none was ever
// saved.
func (s *BoltStore) LoadSnapshot() (*Snapshot, error) {
	var snapshot *Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSnapshot).Get(snapshotKey)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &snapshot)
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func lsnKey(lsn uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, lsn)
	return key
}
