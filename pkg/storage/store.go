package storage

import (
	"time"

	"github.com/droverhq/drover/pkg/balancer"
	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/graph"
	"github.com/droverhq/drover/pkg/types"
)

// WALRecord is one appended event in the write-ahead log.
type WALRecord struct {
	LSN       uint64            `json:"lsn"`
	Timestamp time.Time         `json:"timestamp"`
	Type      events.EventType  `json:"type"`
	TaskID    string            `json:"task_id,omitempty"`
	AgentID   string            `json:"agent_id,omitempty"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Snapshot is a point-in-time capture of orchestration state. Replaying
// the WAL tail from LSN onward on top of a snapshot reproduces the
// state at crash time.
type Snapshot struct {
	SavedAt  time.Time                            `json:"saved_at"`
	LSN      uint64                               `json:"lsn"`
	Tasks    []*types.Task                        `json:"tasks"`
	Agents   []*types.Agent                       `json:"agents"`
	Edges    []graph.Edge                         `json:"edges"`
	Breakers map[string]balancer.BreakerSnapshot  `json:"breakers"`
}

// Store defines the interface for orchestration state persistence.
type Store interface {
	// Tasks
	SaveTask(task *types.Task) error
	GetTask(id string) (*types.Task, error)
	ListTasks() ([]*types.Task, error)
	DeleteTask(id string) error

	// Agents
	SaveAgent(agent *types.Agent) error
	GetAgent(id string) (*types.Agent, error)
	ListAgents() ([]*types.Agent, error)
	DeleteAgent(id string) error

	// Write-ahead log
	AppendEvent(event *events.Event) (uint64, error)
	EventsSince(lsn uint64) ([]*WALRecord, error)
	LastLSN() (uint64, error)

	// Snapshots
	SaveSnapshot(snapshot *Snapshot) error
	LoadSnapshot() (*Snapshot, error)

	// Utility
	Close() error
}

// NopStore discards everything. Used when durability is switched off.
type NopStore struct{}

func (NopStore) SaveTask(*types.Task) error                   { return nil }
func (NopStore) GetTask(id string) (*types.Task, error)       { return nil, types.ErrTaskNotFound }
func (NopStore) ListTasks() ([]*types.Task, error)            { return nil, nil }
func (NopStore) DeleteTask(string) error                      { return nil }
func (NopStore) SaveAgent(*types.Agent) error                 { return nil }
func (NopStore) GetAgent(id string) (*types.Agent, error)     { return nil, types.ErrAgentNotFound }
func (NopStore) ListAgents() ([]*types.Agent, error)          { return nil, nil }
func (NopStore) DeleteAgent(string) error                     { return nil }
func (NopStore) AppendEvent(*events.Event) (uint64, error)    { return 0, nil }
func (NopStore) EventsSince(uint64) ([]*WALRecord, error)     { return nil, nil }
func (NopStore) LastLSN() (uint64, error)                     { return 0, nil }
func (NopStore) SaveSnapshot(*Snapshot) error                 { return nil }
func (NopStore) LoadSnapshot() (*Snapshot, error)             { return nil, nil }
func (NopStore) Close() error                                 { return nil }
