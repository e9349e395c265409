package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// FilesystemAdapter is the local-disk variant, backed by an embedded Badger
// key-value store. Locks are advisory TTL lock records rather than kernel
// file locks: a lock whose expiresAt has passed is treated as stale and may
// be stolen by the next acquirer, matching the spec's filesystem
// concurrency policy.
//
// Key layout mirrors the teacher's badger.go key-encoding helpers
// (nodeKey/edgeKey/labelIndexKey), generalized to noun partitions:
//
//	noun/<partition>/<id>
//	verb/<id>
//	meta/<id>
//	stats
//	lock/<name>
//	changelog/<YYYYMMDD>/<seq>
type FilesystemAdapter struct {
	db  *badger.DB
	log *zap.Logger
}

// NewFilesystemAdapter opens (or creates) a Badger store rooted at dataDir.
func NewFilesystemAdapter(dataDir string, log *zap.Logger) (*FilesystemAdapter, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts := badger.DefaultOptions(dataDir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open badger at %q: %w", dataDir, err)
	}
	return &FilesystemAdapter{db: db, log: log}, nil
}

// Close releases the underlying Badger handles. Not part of the Adapter
// interface; callers that own the filesystem variant call it on shutdown.
func (a *FilesystemAdapter) Close() error {
	return a.db.Close()
}

func nounKey(partition NounType, id string) []byte {
	return []byte(fmt.Sprintf("noun/%s/%s", partition, id))
}

func nounPrefix(partition NounType) []byte {
	return []byte(fmt.Sprintf("noun/%s/", partition))
}

func verbKey(id string) []byte  { return []byte("verb/" + id) }
func metaKey(id string) []byte  { return []byte("meta/" + id) }
func lockKey(name string) []byte { return []byte("lock/" + name) }

const statsKey = "stats"

func changeLogKey(partitionDate string, seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return []byte(fmt.Sprintf("changelog/%s/%x", partitionDate, buf))
}

func changeLogPrefix(partitionDate string) []byte {
	return []byte(fmt.Sprintf("changelog/%s/", partitionDate))
}

func (a *FilesystemAdapter) SaveNoun(_ context.Context, n Noun) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	partition := PartitionFor(n.NounType)
	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(nounKey(partition, n.ID), data)
	})
}

func (a *FilesystemAdapter) findNoun(txn *badger.Txn, id string) (Noun, error) {
	for p := range knownNounTypes {
		item, err := txn.Get(nounKey(p, id))
		if err == badger.ErrKeyNotFound {
			continue
		}
		if err != nil {
			return Noun{}, err
		}
		var n Noun
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &n)
		}); err != nil {
			return Noun{}, err
		}
		return n, nil
	}
	return Noun{}, ErrNotFound
}

func (a *FilesystemAdapter) GetNoun(_ context.Context, id string) (Noun, error) {
	var n Noun
	err := a.db.View(func(txn *badger.Txn) error {
		found, err := a.findNoun(txn, id)
		n = found
		return err
	})
	return n, err
}

func (a *FilesystemAdapter) GetAllNouns(_ context.Context) ([]Noun, error) {
	var out []Noun
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte("noun/")); it.ValidForPrefix([]byte("noun/")); it.Next() {
			item := it.Item()
			var n Noun
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &n) }); err != nil {
				return err
			}
			out = append(out, n)
		}
		return nil
	})
	return out, err
}

func (a *FilesystemAdapter) GetNounsByNounType(_ context.Context, nounType string) ([]Noun, error) {
	partition := PartitionFor(nounType)
	var out []Noun
	err := a.db.View(func(txn *badger.Txn) error {
		prefix := nounPrefix(partition)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var n Noun
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &n) }); err != nil {
				return err
			}
			out = append(out, n)
		}
		return nil
	})
	return out, err
}

func (a *FilesystemAdapter) DeleteNoun(_ context.Context, id string) error {
	return a.db.Update(func(txn *badger.Txn) error {
		n, err := a.findNoun(txn, id)
		if err != nil {
			return err
		}
		return txn.Delete(nounKey(PartitionFor(n.NounType), id))
	})
}

func (a *FilesystemAdapter) SaveVerb(_ context.Context, v Verb) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(verbKey(v.ID), data)
	})
}

func (a *FilesystemAdapter) GetVerb(_ context.Context, id string) (Verb, error) {
	var v Verb
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(verbKey(id))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &v) })
	})
	return v, err
}

func (a *FilesystemAdapter) allVerbs(filter func(Verb) bool) ([]Verb, error) {
	var out []Verb
	err := a.db.View(func(txn *badger.Txn) error {
		prefix := []byte("verb/")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var v Verb
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &v) }); err != nil {
				return err
			}
			if filter == nil || filter(v) {
				out = append(out, v)
			}
		}
		return nil
	})
	return out, err
}

func (a *FilesystemAdapter) GetAllVerbs(_ context.Context) ([]Verb, error) {
	return a.allVerbs(nil)
}

func (a *FilesystemAdapter) GetVerbsBySource(_ context.Context, sourceID string) ([]Verb, error) {
	return a.allVerbs(func(v Verb) bool { return v.SourceID == sourceID })
}

func (a *FilesystemAdapter) GetVerbsByTarget(_ context.Context, targetID string) ([]Verb, error) {
	return a.allVerbs(func(v Verb) bool { return v.TargetID == targetID })
}

func (a *FilesystemAdapter) GetVerbsByType(_ context.Context, verbType string) ([]Verb, error) {
	return a.allVerbs(func(v Verb) bool { return v.Type == verbType })
}

func (a *FilesystemAdapter) DeleteVerb(_ context.Context, id string) error {
	return a.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(verbKey(id)); err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete(verbKey(id))
	})
}

func (a *FilesystemAdapter) SaveMetadata(_ context.Context, id string, m Metadata) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(id), data)
	})
}

func (a *FilesystemAdapter) GetMetadata(_ context.Context, id string) (Metadata, error) {
	var m Metadata
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(id))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &m) })
	})
	return m, err
}

// SaveStatistics writes a delta directly to the durable counter. The
// higher-level batching described in the spec (delta queue, adaptive flush)
// lives in pkg/stats; this method is what its flush ultimately calls.
func (a *FilesystemAdapter) SaveStatistics(_ context.Context, delta StatDelta) error {
	return a.db.Update(func(txn *badger.Txn) error {
		stats, err := readStats(txn)
		if err != nil {
			return err
		}
		stats.Counters[delta.Name] += delta.Value
		if stats.Counters[delta.Name] < 0 {
			stats.Counters[delta.Name] = 0
		}
		stats.UpdatedAt = time.Now()
		return writeStats(txn, stats)
	})
}

func readStats(txn *badger.Txn) (Statistics, error) {
	item, err := txn.Get([]byte(statsKey))
	if err == badger.ErrKeyNotFound {
		return Statistics{Counters: make(map[string]int64)}, nil
	}
	if err != nil {
		return Statistics{}, err
	}
	var s Statistics
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &s) }); err != nil {
		return Statistics{}, err
	}
	if s.Counters == nil {
		s.Counters = make(map[string]int64)
	}
	return s, nil
}

func writeStats(txn *badger.Txn, s Statistics) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return txn.Set([]byte(statsKey), data)
}

func (a *FilesystemAdapter) GetStatistics(_ context.Context) (Statistics, error) {
	var out Statistics
	err := a.db.View(func(txn *badger.Txn) error {
		s, err := readStats(txn)
		out = s
		return err
	})
	return out, err
}

// FlushStatistics is a no-op here: SaveStatistics is already durable on
// every call for this backend.
func (a *FilesystemAdapter) FlushStatistics(_ context.Context) error {
	return nil
}

// AcquireLock implements the spec's "lock files with TTL-based expiration"
// policy: a held, unexpired lock blocks acquisition; an expired one is
// silently stolen by the next caller.
func (a *FilesystemAdapter) AcquireLock(_ context.Context, name string, ttl time.Duration) (LockHandle, error) {
	owner := fmt.Sprintf("fs-%d", time.Now().UnixNano())
	handle := LockHandle{Name: name, Owner: owner, ExpiresAt: time.Now().Add(ttl)}

	err := a.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(lockKey(name))
		if err == nil {
			var existing LockHandle
			if verr := item.Value(func(val []byte) error { return json.Unmarshal(val, &existing) }); verr != nil {
				return verr
			}
			if time.Now().Before(existing.ExpiresAt) {
				return ErrLockAcquisitionFailed
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		data, merr := json.Marshal(handle)
		if merr != nil {
			return merr
		}
		return txn.Set(lockKey(name), data)
	})
	if err != nil {
		return LockHandle{}, err
	}
	return handle, nil
}

func (a *FilesystemAdapter) ReleaseLock(_ context.Context, handle LockHandle) error {
	return a.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(lockKey(handle.Name))
		if err == badger.ErrKeyNotFound {
			return ErrInvalidLockHandle
		}
		if err != nil {
			return err
		}
		var existing LockHandle
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &existing) }); err != nil {
			return err
		}
		if existing.Owner != handle.Owner {
			return ErrInvalidLockHandle
		}
		return txn.Delete(lockKey(handle.Name))
	})
}

func (a *FilesystemAdapter) AppendChangeLog(_ context.Context, entry ChangeLogEntry) error {
	partitionDate := entry.Timestamp.UTC().Format("20060102")
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(changeLogKey(partitionDate, entry.Seq), data)
	})
}

// ReadChangeLog scans every time-partitioned log bucket, since the spec's
// key layout does not carry the sequence number in a globally sortable
// prefix across date boundaries. Entries are returned sorted by sequence.
func (a *FilesystemAdapter) ReadChangeLog(_ context.Context, sinceSeq uint64) ([]ChangeLogEntry, error) {
	var out []ChangeLogEntry
	err := a.db.View(func(txn *badger.Txn) error {
		prefix := []byte("changelog/")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var entry ChangeLogEntry
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &entry) }); err != nil {
				return err
			}
			if entry.Seq > sinceSeq {
				out = append(out, entry)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortChangeLog(out)
	return out, nil
}

func sortChangeLog(entries []ChangeLogEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].Seq < entries[j-1].Seq; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// TruncateChangeLogBefore deletes every change-log entry whose date
// partition sorts before cutoffDate (a "YYYYMMDD" string), bounding
// per-object growth as the spec's retention design requires. Implements
// the optional storage.Truncator interface.
func (a *FilesystemAdapter) TruncateChangeLogBefore(_ context.Context, cutoffDate string) error {
	return a.db.Update(func(txn *badger.Txn) error {
		prefix := []byte("changelog/")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		var toDelete [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			date := changeLogDateFromKey(key)
			if date != "" && date < cutoffDate {
				toDelete = append(toDelete, key)
			}
		}
		for _, key := range toDelete {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

func changeLogDateFromKey(key []byte) string {
	s := string(key)
	const prefix = "changelog/"
	if len(s) <= len(prefix) {
		return ""
	}
	rest := s[len(prefix):]
	for i, c := range rest {
		if c == '/' {
			return rest[:i]
		}
	}
	return ""
}

func (a *FilesystemAdapter) Clear(_ context.Context) error {
	return a.db.DropAll()
}

func (a *FilesystemAdapter) GetStorageStatus(_ context.Context) (Status, error) {
	var nounCount, verbCount int64
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte("noun/")); it.ValidForPrefix([]byte("noun/")); it.Next() {
			nounCount++
		}
		for it.Seek([]byte("verb/")); it.ValidForPrefix([]byte("verb/")); it.Next() {
			verbCount++
		}
		return nil
	})
	if err != nil {
		return Status{Backend: "filesystem", Healthy: false, Detail: err.Error()}, nil
	}
	return Status{Backend: "filesystem", Healthy: true, NounCount: nounCount, VerbCount: verbCount}, nil
}
