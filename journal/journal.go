// Package journal keeps a bounded on-disk record of dispatched change
// events. Deployments enable it to answer "what did this client actually
// deliver" during incident review; the admin API reads it back.
package journal

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/klauspost/compress/s2"
	"github.com/rs/zerolog/log"

	"github.com/civicstream/ripple/encoding"
	"github.com/civicstream/ripple/event"
	"github.com/civicstream/ripple/telemetry"
)

// Key prefixes for Pebble storage
const (
	prefixEvt    = "/evt/" // /evt/{16-digit-zero-padded-seq}
	prefixEvtSeq = "/evtseq"
)

// Pebble configuration constants
const (
	memTableSize                = 8 << 20 // 8MB; entries are small
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
	maxConcurrentCompactions    = 2
)

// Retention constants
const (
	// Entries beyond MaxEntries tolerated before an async prune runs
	pruneSlack = 64

	defaultRecentLimit = 50
)

// Entry is one dispatched event as recorded in the journal.
type Entry struct {
	Seq        uint64    `msgpack:"seq" json:"seq"`
	Key        string    `msgpack:"key" json:"key"`
	Table      string    `msgpack:"tbl" json:"table"`
	Op         string    `msgpack:"op" json:"op"`
	EventSeq   uint64    `msgpack:"eseq" json:"event_seq"`
	CommitTS   int64     `msgpack:"ts" json:"commit_ts"`
	ReceivedAt int64     `msgpack:"rcv" json:"received_at"`
	Consumers  int       `msgpack:"fan" json:"consumers"`
	Row        event.Row `msgpack:"row" json:"row,omitempty"`
}

// Journal is a Pebble-backed ring of recent dispatches. Appends assign
// monotonic sequence numbers; once the entry count passes the retention
// limit an async prune deletes the oldest range.
type Journal struct {
	db         *pebble.DB
	path       string
	maxEntries uint64

	// firstSeq tracks the oldest retained entry, nextSeq the last assigned.
	firstSeq atomic.Uint64
	nextSeq  atomic.Uint64

	appendMu sync.Mutex

	pruneMu      sync.Mutex
	pruneRunning atomic.Bool
	pruneWg      sync.WaitGroup

	closed atomic.Bool
}

// Open creates or reopens the journal under dataDir.
func Open(dataDir string, maxEntries int) (*Journal, error) {
	if maxEntries < 1 {
		return nil, fmt.Errorf("journal max entries must be positive, got %d", maxEntries)
	}

	journalPath := filepath.Join(dataDir, "journal")
	opts := &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		MaxConcurrentCompactions:    func() int { return maxConcurrentCompactions },
		DisableWAL:                  false,
	}

	db, err := pebble.Open(journalPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal at %s: %w", journalPath, err)
	}

	j := &Journal{
		db:         db,
		path:       journalPath,
		maxEntries: uint64(maxEntries),
	}

	if err := j.loadBounds(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load journal bounds: %w", err)
	}

	return j, nil
}

// loadBounds restores nextSeq from its persisted key and firstSeq from
// the oldest surviving entry.
func (j *Journal) loadBounds() error {
	val, closer, err := j.db.Get([]byte(prefixEvtSeq))
	switch {
	case err == pebble.ErrNotFound:
		j.nextSeq.Store(0)
		j.firstSeq.Store(0)
		return nil
	case err != nil:
		return err
	}
	defer closer.Close()

	if len(val) != 8 {
		return fmt.Errorf("invalid sequence value length: %d", len(val))
	}
	j.nextSeq.Store(binary.LittleEndian.Uint64(val))

	prefix := []byte(prefixEvt)
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	if iter.First() {
		var first uint64
		if _, err := fmt.Sscanf(string(iter.Key()[len(prefixEvt):]), "%016x", &first); err != nil {
			return fmt.Errorf("corrupted journal key %q: %w", iter.Key(), err)
		}
		// firstSeq is the boundary below the oldest entry
		j.firstSeq.Store(first - 1)
	} else {
		j.firstSeq.Store(j.nextSeq.Load())
	}

	return iter.Error()
}

// Append records one dispatched event. The entry's Seq is assigned here.
func (j *Journal) Append(entry Entry) error {
	if j.closed.Load() {
		return fmt.Errorf("journal is closed")
	}

	j.appendMu.Lock()
	defer j.appendMu.Unlock()

	seq := j.nextSeq.Load() + 1
	entry.Seq = seq

	val, err := encoding.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}
	compressed := s2.Encode(nil, val)

	batch := j.db.NewBatch()
	defer batch.Close()

	if err := batch.Set([]byte(formatEvtKey(seq)), compressed, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}

	seqBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(seqBuf, seq)
	if err := batch.Set([]byte(prefixEvtSeq), seqBuf, pebble.Sync); err != nil {
		return fmt.Errorf("failed to update journal sequence: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit journal entry: %w", err)
	}

	j.nextSeq.Store(seq)
	telemetry.JournalAppendsTotal.Inc()

	if seq-j.firstSeq.Load() > j.maxEntries+pruneSlack {
		if j.pruneRunning.CompareAndSwap(false, true) {
			j.pruneWg.Add(1)
			go j.pruneAsync()
		}
	}

	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(limit int) ([]Entry, error) {
	if j.closed.Load() {
		return nil, fmt.Errorf("journal is closed")
	}
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	prefix := []byte(prefixEvt)
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	entries := make([]Entry, 0, limit)
	for ok := iter.Last(); ok && len(entries) < limit; ok = iter.Prev() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		raw, err := s2.Decode(nil, val)
		if err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Failed to decompress journal entry")
			continue
		}

		var entry Entry
		if err := encoding.Unmarshal(raw, &entry); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Failed to unmarshal journal entry")
			continue
		}
		entries = append(entries, entry)
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}
	return entries, nil
}

// EntryCount returns how many entries the journal currently retains.
func (j *Journal) EntryCount() int {
	return int(j.nextSeq.Load() - j.firstSeq.Load())
}

// prune deletes the oldest entries until only maxEntries remain.
func (j *Journal) prune() {
	j.pruneMu.Lock()
	defer j.pruneMu.Unlock()

	if j.closed.Load() {
		return
	}

	next := j.nextSeq.Load()
	first := j.firstSeq.Load()
	if next-first <= j.maxEntries {
		return
	}

	// New boundary keeps exactly maxEntries entries
	newFirst := next - j.maxEntries
	startKey := []byte(formatEvtKey(first + 1))
	endKey := []byte(formatEvtKey(newFirst + 1))

	if err := j.db.DeleteRange(startKey, endKey, pebble.Sync); err != nil {
		log.Warn().Err(err).Uint64("first", first).Uint64("new_first", newFirst).
			Msg("Failed to prune journal")
		return
	}

	pruned := newFirst - first
	j.firstSeq.Store(newFirst)
	telemetry.JournalPrunedTotal.Add(float64(pruned))
	log.Debug().Uint64("pruned", pruned).Uint64("retained", j.maxEntries).Msg("Pruned journal entries")
}

func (j *Journal) pruneAsync() {
	defer j.pruneWg.Done()
	defer j.pruneRunning.Store(false)
	j.prune()
}

// Close waits for in-flight pruning and closes the database.
func (j *Journal) Close() error {
	if !j.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("journal already closed")
	}

	j.pruneWg.Wait()

	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// formatEvtKey formats a sequence number as a 16-digit zero-padded key
func formatEvtKey(seq uint64) string {
	return fmt.Sprintf("%s%016x", prefixEvt, seq)
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil // Prefix is all 0xff
}
