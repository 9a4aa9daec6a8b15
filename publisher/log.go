package publisher

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/pgrelay/encoding"
	"github.com/maxpert/pgrelay/pgoutput"
	"github.com/rs/zerolog/log"
)

// Key prefixes for Pebble storage
const (
	prefixPosLog       = "/poslog/"    // /poslog/{16-digit-zero-padded-seq}
	prefixPosCursor    = "/poscursor/" // /poscursor/{sinkName}
	keyPosSeq          = "/posseq"     // /posseq -> uint64 (last sequence)
	keyPosProcessedLSN = "/posdone"    // /posdone -> last processed LSN text
)

// Pebble configuration constants
const (
	memTableSize                = 16 << 20 // 16MB
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
)

// Read and cleanup constants
const (
	defaultReadLimit    = 100  // Default limit for ReadFrom
	cleanupIntervalMask = 0x7F // Cleanup every 128 sequences (newSeq & cleanupIntervalMask == 0)
)

// PositionRecord is one transaction boundary seen by the dispatcher
type PositionRecord struct {
	Seq        uint64 `msgpack:"seq"`  // Monotonic sequence
	Kind       string `msgpack:"kind"` // "begin" or "commit"
	LSN        string `msgpack:"lsn"`  // Upstream LSN text
	XID        uint32 `msgpack:"xid"`  // Begin only
	Timestamp  int64  `msgpack:"ts"`   // Upstream commit timestamp
	RecordedAt int64  `msgpack:"at"`   // Local wall clock (unix ms)
}

// PositionLog is a Pebble-backed record of the transaction boundaries
// dispatched and how far each sink got through them. Slot consumption is
// destructive, so this is the only place a restart can learn which sinks
// lagged behind.
type PositionLog struct {
	db   *pebble.DB
	path string

	// In-memory cursor map for fast lookups
	cursors   map[string]uint64
	cursorsMu sync.RWMutex

	// Last assigned sequence number
	lastSeq atomic.Uint64
	// Serializes Append so sequences are committed in order
	appendMu sync.Mutex

	// Cleanup tracking
	cleanupMu      sync.Mutex
	cleanupRunning atomic.Bool
	cleanupWg      sync.WaitGroup

	closed atomic.Bool
}

// NewPositionLog creates or opens a position log under dataDir
func NewPositionLog(dataDir string) (*PositionLog, error) {
	logPath := filepath.Join(dataDir, "position_log")

	opts := &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
	}

	db, err := pebble.Open(logPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open position log at %s: %w", logPath, err)
	}

	pl := &PositionLog{
		db:      db,
		path:    logPath,
		cursors: make(map[string]uint64),
	}

	if err := pl.loadLastSeq(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load sequence number: %w", err)
	}

	if err := pl.loadCursors(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load cursors: %w", err)
	}

	return pl, nil
}

func (pl *PositionLog) loadLastSeq() error {
	val, closer, err := pl.db.Get([]byte(keyPosSeq))
	if err == pebble.ErrNotFound {
		pl.lastSeq.Store(0)
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()

	if len(val) != 8 {
		return fmt.Errorf("invalid sequence value length: %d", len(val))
	}

	pl.lastSeq.Store(binary.LittleEndian.Uint64(val))
	return nil
}

func (pl *PositionLog) loadCursors() error {
	prefix := []byte(prefixPosCursor)
	iter, err := pl.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		sink := string(iter.Key()[len(prefixPosCursor):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if len(val) != 8 {
			return fmt.Errorf("corrupted cursor data for sink %s: invalid length %d", sink, len(val))
		}
		pl.cursors[sink] = binary.LittleEndian.Uint64(val)
	}

	if err := iter.Error(); err != nil {
		return err
	}

	if len(pl.cursors) > 0 {
		log.Info().Int("cursors", len(pl.cursors)).Msg("Loaded position log cursors")
	}
	return nil
}

// RecordChange appends a record for a Begin or Commit and returns its
// sequence number. Other change kinds are not recorded and return 0.
func (pl *PositionLog) RecordChange(change pgoutput.Change) (uint64, error) {
	var rec PositionRecord
	switch c := change.(type) {
	case *pgoutput.Begin:
		rec = PositionRecord{Kind: string(c.Kind()), LSN: c.LSN, XID: c.XID, Timestamp: c.Timestamp}
	case *pgoutput.Commit:
		rec = PositionRecord{Kind: string(c.Kind()), LSN: c.LSN, Timestamp: c.Timestamp}
	default:
		return 0, nil
	}
	rec.RecordedAt = time.Now().UnixMilli()

	return pl.Append(rec)
}

// Append stores rec under the next sequence number and returns it
func (pl *PositionLog) Append(rec PositionRecord) (uint64, error) {
	if pl.closed.Load() {
		return 0, fmt.Errorf("position log is closed")
	}

	pl.appendMu.Lock()
	defer pl.appendMu.Unlock()

	seq := pl.lastSeq.Load() + 1
	rec.Seq = seq

	val, err := encoding.Marshal(&rec)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal position: %w", err)
	}

	batch := pl.db.NewBatch()
	defer batch.Close()

	if err := batch.Set([]byte(formatPosLogKey(seq)), val, nil); err != nil {
		return 0, fmt.Errorf("failed to write position: %w", err)
	}

	seqBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(seqBuf, seq)
	if err := batch.Set([]byte(keyPosSeq), seqBuf, nil); err != nil {
		return 0, fmt.Errorf("failed to update sequence: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}

	// Only update in-memory sequence AFTER successful commit
	pl.lastSeq.Store(seq)
	return seq, nil
}

// LastSeq returns the last assigned sequence number
func (pl *PositionLog) LastSeq() uint64 {
	return pl.lastSeq.Load()
}

// Get returns the record stored under seq
func (pl *PositionLog) Get(seq uint64) (PositionRecord, bool, error) {
	if pl.closed.Load() {
		return PositionRecord{}, false, fmt.Errorf("position log is closed")
	}

	val, closer, err := pl.db.Get([]byte(formatPosLogKey(seq)))
	if err == pebble.ErrNotFound {
		return PositionRecord{}, false, nil
	}
	if err != nil {
		return PositionRecord{}, false, err
	}
	defer closer.Close()

	var rec PositionRecord
	if err := encoding.Unmarshal(val, &rec); err != nil {
		return PositionRecord{}, false, fmt.Errorf("failed to unmarshal position %d: %w", seq, err)
	}
	return rec, true, nil
}

// ReadFrom reads records after cursor, up to limit records
func (pl *PositionLog) ReadFrom(cursor uint64, limit int) ([]PositionRecord, error) {
	if pl.closed.Load() {
		return nil, fmt.Errorf("position log is closed")
	}

	if limit <= 0 {
		limit = defaultReadLimit
	}

	// Start from cursor + 1 (cursor is the last delivered record)
	startKey := []byte(formatPosLogKey(cursor + 1))
	iter, err := pl.db.NewIter(&pebble.IterOptions{
		LowerBound: startKey,
		UpperBound: prefixUpperBound([]byte(prefixPosLog)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	records := make([]PositionRecord, 0, limit)
	for iter.SeekGE(startKey); iter.Valid() && len(records) < limit; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var rec PositionRecord
		if err := encoding.Unmarshal(val, &rec); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Failed to unmarshal position record")
			continue
		}
		records = append(records, rec)
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}
	return records, nil
}

// GetCursor returns the sequence of the last record delivered by a sink,
// 0 for a sink never seen
func (pl *PositionLog) GetCursor(sinkName string) (uint64, error) {
	if pl.closed.Load() {
		return 0, fmt.Errorf("position log is closed")
	}

	pl.cursorsMu.RLock()
	defer pl.cursorsMu.RUnlock()
	return pl.cursors[sinkName], nil
}

// Cursors returns a copy of every sink cursor
func (pl *PositionLog) Cursors() map[string]uint64 {
	pl.cursorsMu.RLock()
	defer pl.cursorsMu.RUnlock()

	out := make(map[string]uint64, len(pl.cursors))
	for k, v := range pl.cursors {
		out[k] = v
	}
	return out
}

// AdvanceCursor updates the cursor for a sink and triggers cleanup periodically
func (pl *PositionLog) AdvanceCursor(sinkName string, newSeq uint64) error {
	if pl.closed.Load() {
		return fmt.Errorf("position log is closed")
	}

	pl.cursorsMu.Lock()
	pl.cursors[sinkName] = newSeq
	pl.cursorsMu.Unlock()

	val := make([]byte, 8)
	binary.LittleEndian.PutUint64(val, newSeq)
	if err := pl.db.Set([]byte(prefixPosCursor+sinkName), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}

	if newSeq&cleanupIntervalMask == 0 {
		// Only spawn cleanup if one isn't already running
		if pl.cleanupRunning.CompareAndSwap(false, true) {
			pl.cleanupWg.Add(1)
			go pl.cleanupAsync()
		}
	}

	return nil
}

// MarkProcessed persists the last LSN fully handled by the relay
func (pl *PositionLog) MarkProcessed(lsn string) error {
	if pl.closed.Load() {
		return fmt.Errorf("position log is closed")
	}
	if err := pl.db.Set([]byte(keyPosProcessedLSN), []byte(lsn), pebble.NoSync); err != nil {
		return fmt.Errorf("failed to store processed lsn: %w", err)
	}
	return nil
}

// ProcessedLSN returns the LSN stored by MarkProcessed
func (pl *PositionLog) ProcessedLSN() (string, bool, error) {
	if pl.closed.Load() {
		return "", false, fmt.Errorf("position log is closed")
	}

	val, closer, err := pl.db.Get([]byte(keyPosProcessedLSN))
	if err == pebble.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	defer closer.Close()

	return string(val), true, nil
}

// cleanup deletes records below the minimum cursor.
// This method is safe to call directly (e.g., from tests) and does not use WaitGroup tracking.
func (pl *PositionLog) cleanup() {
	pl.cleanupMu.Lock()
	defer pl.cleanupMu.Unlock()

	if pl.closed.Load() {
		return
	}

	pl.cursorsMu.RLock()
	if len(pl.cursors) == 0 {
		pl.cursorsMu.RUnlock()
		return
	}

	minCursor := ^uint64(0)
	for _, cursor := range pl.cursors {
		if cursor < minCursor {
			minCursor = cursor
		}
	}
	pl.cursorsMu.RUnlock()

	if minCursor == 0 {
		return
	}

	// Keep the record at minCursor so the slowest sink's position stays readable
	startKey := []byte(prefixPosLog)
	endKey := []byte(formatPosLogKey(minCursor))

	if err := pl.db.DeleteRange(startKey, endKey, pebble.Sync); err != nil {
		log.Warn().Err(err).Uint64("min_cursor", minCursor).Msg("Failed to cleanup position log")
		return
	}

	log.Debug().Uint64("min_cursor", minCursor).Msg("Cleaned up position log entries")
}

func (pl *PositionLog) cleanupAsync() {
	defer pl.cleanupWg.Done()
	defer pl.cleanupRunning.Store(false)
	pl.cleanup()
}

// Close closes the Pebble database and waits for in-flight cleanup goroutines
func (pl *PositionLog) Close() error {
	if !pl.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("position log already closed")
	}

	pl.cleanupWg.Wait()

	if pl.db != nil {
		return pl.db.Close()
	}
	return nil
}

func formatPosLogKey(seq uint64) string {
	return fmt.Sprintf("%s%016x", prefixPosLog, seq)
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
