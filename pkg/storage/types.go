// Package storage defines the durable key/blob interface Brainy's HNSW
// index, statistics subsystem, and BrainyData façade are built against, and
// the four adapter variants named in the spec: in-memory, local filesystem
// (Badger-backed), browser origin-private filesystem, and S3-compatible
// object storage.
//
// All adapters share one capability interface rather than an inheritance
// hierarchy, matching the storage layer's Engine interface in the teacher
// repo this package is adapted from.
package storage

import (
	"context"
	"errors"
	"time"
)

// Error kinds surfaced by storage adapters, per the spec's error taxonomy.
var (
	ErrNotFound              = errors.New("storage: not found")
	ErrAlreadyLocked         = errors.New("storage: lock already held")
	ErrLockAcquisitionFailed = errors.New("storage: lock acquisition failed")
	ErrStorageUnavailable    = errors.New("storage: backend unavailable")
	ErrInvalidLockHandle     = errors.New("storage: invalid lock handle")
)

// NounType selects one of the seven partitions a noun can live in; an
// unrecognized type routes to Default.
type NounType string

const (
	Person  NounType = "person"
	Place   NounType = "place"
	Thing   NounType = "thing"
	Event   NounType = "event"
	Concept NounType = "concept"
	Content NounType = "content"
	Default NounType = "default"
)

var knownNounTypes = map[NounType]struct{}{
	Person: {}, Place: {}, Thing: {}, Event: {}, Concept: {}, Content: {}, Default: {},
}

// PartitionFor resolves a raw noun-type string to its storage partition,
// routing anything unrecognized to Default.
func PartitionFor(nounType string) NounType {
	nt := NounType(nounType)
	if _, ok := knownNounTypes[nt]; ok {
		return nt
	}
	return Default
}

// Noun is the persisted form of an HNSW node plus its type tag. Connections
// mirror the spec's blob format (level -> neighbor ids) rather than the
// in-memory set representation, so a round trip through JSON is lossless.
type Noun struct {
	ID          string              `json:"id"`
	Vector      []float32           `json:"vector"`
	Connections map[int][]string    `json:"connections,omitempty"`
	NounType    string              `json:"nounType,omitempty"`
	Tombstone   bool                `json:"tombstone,omitempty"`
}

// Verb is a typed, directed relationship between two nouns.
type Verb struct {
	ID        string            `json:"id"`
	SourceID  string            `json:"sourceId"`
	TargetID  string            `json:"targetId"`
	Type      string            `json:"type"`
	Vector    []float32         `json:"vector,omitempty"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	Deleted   bool              `json:"deleted,omitempty"`
}

// Metadata is an arbitrary JSON document keyed on a noun or verb id.
type Metadata map[string]any

// Statistics is the durable counters blob.
type Statistics struct {
	Counters  map[string]int64 `json:"counters"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// ChangeOp names the kind of mutation recorded in a change-log entry.
type ChangeOp string

const (
	OpAddNoun    ChangeOp = "ADD_NOUN"
	OpDeleteNoun ChangeOp = "DELETE_NOUN"
	OpAddVerb    ChangeOp = "ADD_VERB"
	OpDeleteVerb ChangeOp = "DELETE_VERB"
)

// ChangeLogEntry is one durable record of a mutation, used by other
// instances to catch their in-memory HNSW graph up to the current state.
type ChangeLogEntry struct {
	Seq       uint64    `json:"seq"`
	Op        ChangeOp  `json:"op"`
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// LockHandle identifies a held distributed lock so it can be released by
// the same caller that acquired it.
type LockHandle struct {
	Name      string
	Owner     string
	ExpiresAt time.Time
}

// Status summarizes an adapter's health and size for diagnostics.
type Status struct {
	Backend    string
	Healthy    bool
	NounCount  int64
	VerbCount  int64
	Detail     string
}

// StatDelta is a single pending increment or decrement queued against a
// named counter; Value may be negative.
type StatDelta struct {
	Name  string
	Value int64
}

// Adapter is the capability interface every storage backend implements.
// Method names mirror the spec's §4.2 list; Go idiom adds a leading context
// and explicit (value, error) returns in place of thrown failures.
type Adapter interface {
	SaveNoun(ctx context.Context, n Noun) error
	GetNoun(ctx context.Context, id string) (Noun, error)
	GetAllNouns(ctx context.Context) ([]Noun, error)
	GetNounsByNounType(ctx context.Context, nounType string) ([]Noun, error)
	DeleteNoun(ctx context.Context, id string) error

	SaveVerb(ctx context.Context, v Verb) error
	GetVerb(ctx context.Context, id string) (Verb, error)
	GetAllVerbs(ctx context.Context) ([]Verb, error)
	GetVerbsBySource(ctx context.Context, sourceID string) ([]Verb, error)
	GetVerbsByTarget(ctx context.Context, targetID string) ([]Verb, error)
	GetVerbsByType(ctx context.Context, verbType string) ([]Verb, error)
	DeleteVerb(ctx context.Context, id string) error

	SaveMetadata(ctx context.Context, id string, m Metadata) error
	GetMetadata(ctx context.Context, id string) (Metadata, error)

	SaveStatistics(ctx context.Context, delta StatDelta) error
	GetStatistics(ctx context.Context) (Statistics, error)
	FlushStatistics(ctx context.Context) error

	AcquireLock(ctx context.Context, name string, ttl time.Duration) (LockHandle, error)
	ReleaseLock(ctx context.Context, handle LockHandle) error

	AppendChangeLog(ctx context.Context, entry ChangeLogEntry) error
	ReadChangeLog(ctx context.Context, sinceSeq uint64) ([]ChangeLogEntry, error)

	Clear(ctx context.Context) error
	GetStorageStatus(ctx context.Context) (Status, error)
}

// Truncator is an optional capability for adapters whose change log is
// durable enough to need retention: delete every entry whose time partition
// sorts before cutoffDate ("YYYYMMDD"). MemoryAdapter (which keeps no change
// log) and OPFSAdapter (whose change log is process-lifetime only) don't
// implement it.
type Truncator interface {
	TruncateChangeLogBefore(ctx context.Context, cutoffDate string) error
}
