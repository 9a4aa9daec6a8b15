package replication

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/maxpert/pgrelay/pgoutput"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeUpstream replays scripted fetch results, then returns empty batches
type fakeUpstream struct {
	mu       sync.Mutex
	batches  [][]RawChange
	errs     []error
	fetches  []time.Time
	status   SlotStatus
	closed   bool
	slotMade bool
	onFetch  func()
	ctxErrs  []error
}

func (f *fakeUpstream) FetchChanges(ctx context.Context) ([]RawChange, error) {
	if f.onFetch != nil {
		f.onFetch()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetches = append(f.fetches, time.Now())
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func (f *fakeUpstream) SlotStatus(ctx context.Context) (SlotStatus, error) {
	return f.status, nil
}

func (f *fakeUpstream) CreateSlot(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	created := !f.slotMade
	f.slotMade = true
	return created, nil
}

func (f *fakeUpstream) Close(ctx context.Context) error {
	f.closed = true
	return nil
}

func (f *fakeUpstream) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetches)
}

func beginMsg(lsn uint64, xid uint32) []byte {
	b := []byte{'B'}
	b = binary.BigEndian.AppendUint64(b, lsn)
	b = binary.BigEndian.AppendUint64(b, 1000)
	return binary.BigEndian.AppendUint32(b, xid)
}

func commitMsg(lsn uint64) []byte {
	b := []byte{'C', 0}
	b = binary.BigEndian.AppendUint64(b, lsn)
	b = binary.BigEndian.AppendUint64(b, lsn+1)
	return binary.BigEndian.AppendUint64(b, 2000)
}

func relationMsg(id uint32) []byte {
	b := []byte{'R'}
	b = binary.BigEndian.AppendUint32(b, id)
	b = append(b, "public\x00users\x00d"...)
	b = binary.BigEndian.AppendUint16(b, 1)
	b = append(b, 1)
	b = append(b, "id\x00"...)
	b = binary.BigEndian.AppendUint32(b, 23)
	return binary.BigEndian.AppendUint32(b, 0xFFFFFFFF)
}

func insertMsg(id uint32, value string) []byte {
	b := []byte{'I'}
	b = binary.BigEndian.AppendUint32(b, id)
	b = append(b, 'N')
	b = binary.BigEndian.AppendUint16(b, 1)
	b = append(b, 't')
	b = binary.BigEndian.AppendUint32(b, uint32(len(value)))
	return append(b, value...)
}

func newTestStream(up *fakeUpstream, interval time.Duration) *Stream {
	return NewStream(up, pgoutput.NewDecoder(pgoutput.NewCatalog()), StreamConfig{PollInterval: interval})
}

func TestStreamDeliversInUpstreamOrder(t *testing.T) {
	up := &fakeUpstream{batches: [][]RawChange{
		{
			{LSN: "0/10", Data: beginMsg(0x10, 7)},
			{LSN: "0/11", Data: relationMsg(100)},
			{LSN: "0/12", Data: insertMsg(100, "1")},
		},
		{
			{LSN: "0/13", Data: insertMsg(100, "2")},
			{LSN: "0/14", Data: commitMsg(0x14)},
		},
	}}
	s := newTestStream(up, time.Millisecond)
	ctx := context.Background()

	var kinds []pgoutput.Kind
	for i := 0; i < 5; i++ {
		c, err := s.Next(ctx)
		require.NoError(t, err)
		kinds = append(kinds, c.Kind())
		if i == 0 {
			// First batch fully decoded and buffered
			assert.Equal(t, 2, s.Buffered())
			lsn, ok := s.LastReceivedLSN()
			assert.True(t, ok)
			assert.Equal(t, "0/12", lsn)
		}
	}

	assert.Equal(t, []pgoutput.Kind{
		pgoutput.KindBegin,
		pgoutput.KindRelation,
		pgoutput.KindInsert,
		pgoutput.KindInsert,
		pgoutput.KindCommit,
	}, kinds)
	assert.Equal(t, 2, up.fetchCount())
}

func TestStreamBufferedChangesNeedNoIO(t *testing.T) {
	up := &fakeUpstream{batches: [][]RawChange{{
		{LSN: "0/1", Data: beginMsg(1, 1)},
		{LSN: "0/2", Data: commitMsg(2)},
	}}}
	s := newTestStream(up, time.Millisecond)

	_, err := s.Next(context.Background())
	require.NoError(t, err)

	c, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pgoutput.KindCommit, c.Kind())
	assert.Equal(t, 1, up.fetchCount())
}

func TestStreamIdlePollsWithDelay(t *testing.T) {
	const empty = 3
	const interval = 20 * time.Millisecond

	batches := make([][]RawChange, 0, empty+1)
	for i := 0; i < empty; i++ {
		batches = append(batches, nil)
	}
	batches = append(batches, []RawChange{{LSN: "0/1", Data: beginMsg(1, 1)}})

	up := &fakeUpstream{batches: batches}
	s := newTestStream(up, interval)

	c, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pgoutput.KindBegin, c.Kind())

	require.Equal(t, empty+1, up.fetchCount())
	for i := 1; i < len(up.fetches); i++ {
		assert.GreaterOrEqual(t, up.fetches[i].Sub(up.fetches[i-1]), interval)
	}
}

func TestStreamIgnoredOnlyBatchFetchesAgainImmediately(t *testing.T) {
	origin := []byte{'O', 0, 0, 0, 0, 0, 0, 0, 1, 'x', 0}
	up := &fakeUpstream{batches: [][]RawChange{
		{{LSN: "0/1", Data: origin}, {LSN: "0/2", Data: []byte{'Y'}}},
		{{LSN: "0/3", Data: beginMsg(3, 1)}},
	}}
	s := newTestStream(up, time.Hour)

	c, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pgoutput.KindBegin, c.Kind())
	assert.Equal(t, 2, up.fetchCount())
}

func TestStreamCancelWhileIdle(t *testing.T) {
	up := &fakeUpstream{}
	s := newTestStream(up, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStreamShutdownDoesNotInterruptFetch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	up := &fakeUpstream{
		batches: [][]RawChange{{
			{LSN: "0/1", Data: beginMsg(1, 1)},
			{LSN: "0/2", Data: commitMsg(2)},
		}},
		onFetch: cancel,
	}
	s := newTestStream(up, time.Hour)

	c, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, pgoutput.KindBegin, c.Kind())
	assert.Equal(t, []error{nil}, up.ctxErrs)

	// The rest of the consumed batch is still available for the final drain
	drained := s.Drain()
	require.Len(t, drained, 1)
	assert.Equal(t, pgoutput.KindCommit, drained[0].Kind())

	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStreamFetchErrorPropagates(t *testing.T) {
	boom := errors.New("connection reset")
	up := &fakeUpstream{errs: []error{boom}}
	s := newTestStream(up, time.Millisecond)

	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestStreamDecodeFailureAbortsBatch(t *testing.T) {
	up := &fakeUpstream{batches: [][]RawChange{{
		{LSN: "0/1", Data: beginMsg(1, 1)},
		{LSN: "0/2", Data: insertMsg(999, "orphan")},
		{LSN: "0/3", Data: commitMsg(3)},
	}}}
	s := newTestStream(up, time.Millisecond)

	_, err := s.Next(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, pgoutput.ErrUnknownRelation)
	assert.Contains(t, err.Error(), "0/2")

	lsn, _ := s.LastReceivedLSN()
	assert.Equal(t, "0/2", lsn)

	// Changes decoded before the failure remain available for draining
	drained := s.Drain()
	require.Len(t, drained, 1)
	assert.Equal(t, pgoutput.KindBegin, drained[0].Kind())
	assert.Equal(t, 0, s.Buffered())
}

func TestStreamPositionsAndStatus(t *testing.T) {
	up := &fakeUpstream{status: SlotStatus{ConfirmedFlushLSN: "0/20", RestartLSN: "0/18", Active: false}}
	s := newTestStream(up, time.Millisecond)

	_, ok := s.LastReceivedLSN()
	assert.False(t, ok)
	_, ok = s.LastProcessedLSN()
	assert.False(t, ok)

	s.MarkProcessed("0/1F")
	lsn, ok := s.LastProcessedLSN()
	assert.True(t, ok)
	assert.Equal(t, "0/1F", lsn)

	status, err := s.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0/20", status.ConfirmedFlushLSN)

	require.NoError(t, s.Close(context.Background()))
	assert.True(t, up.closed)
}

func TestIsDuplicateSlot(t *testing.T) {
	assert.True(t, isDuplicateSlot(errors.New(`ERROR: replication slot "s" already exists`)))
	assert.True(t, isDuplicateSlot(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "42710", Message: "duplicate"})))
	assert.False(t, isDuplicateSlot(&pgconn.PgError{Code: "42501", Message: "permission denied"}))
	assert.False(t, isDuplicateSlot(errors.New("permission denied")))
}
