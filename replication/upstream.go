// Package replication turns the request/response slot functions of a
// PostgreSQL logical replication slot into a continuous change feed.
package replication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	fetchChangesSQL = "SELECT lsn::text, data FROM pg_logical_slot_get_binary_changes($1, NULL, $2, 'proto_version', '1', 'publication_names', $3)"
	slotStatusSQL   = "SELECT confirmed_flush_lsn::text, restart_lsn::text, active FROM pg_replication_slots WHERE slot_name = $1"
	createSlotSQL   = "SELECT pg_create_logical_replication_slot($1, 'pgoutput')"

	duplicateObjectCode = "42710"
)

// ErrSlotNotFound is returned by SlotStatus when the slot does not exist
var ErrSlotNotFound = errors.New("replication slot not found")

// RawChange is one row returned by the slot: the LSN as text and the raw
// pgoutput message
type RawChange struct {
	LSN  string
	Data []byte
}

// SlotStatus is the upstream view of a replication slot. LSN fields are
// empty when the server reports NULL.
type SlotStatus struct {
	ConfirmedFlushLSN string `json:"confirmed_flush_lsn"`
	RestartLSN        string `json:"restart_lsn"`
	Active            bool   `json:"active"`
}

// Upstream is the database side of the stream
type Upstream interface {
	// FetchChanges consumes and returns the changes currently available in
	// the slot. An empty result means nothing is pending.
	FetchChanges(ctx context.Context) ([]RawChange, error)
	SlotStatus(ctx context.Context) (SlotStatus, error)
	// CreateSlot creates the slot with the pgoutput plugin. It reports false
	// without error when the slot already exists.
	CreateSlot(ctx context.Context) (bool, error)
	Close(ctx context.Context) error
}

// PgConfig configures a PgUpstream
type PgConfig struct {
	Connection     string
	Slot           string
	Publication    string
	FetchLimit     int
	ConnectTimeout time.Duration
}

// PgUpstream runs the slot functions over a single pgx connection
type PgUpstream struct {
	conn        *pgx.Conn
	slot        string
	publication string
	fetchLimit  int
}

// Connect opens the upstream connection
func Connect(ctx context.Context, config PgConfig) (*PgUpstream, error) {
	if config.Slot == "" {
		return nil, errors.New("slot name is required")
	}
	if config.Publication == "" {
		return nil, errors.New("publication name is required")
	}

	connConfig, err := pgx.ParseConfig(config.Connection)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if config.ConnectTimeout > 0 {
		connConfig.ConnectTimeout = config.ConnectTimeout
	}

	conn, err := pgx.ConnectConfig(ctx, connConfig)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	return &PgUpstream{
		conn:        conn,
		slot:        config.Slot,
		publication: config.Publication,
		fetchLimit:  config.FetchLimit,
	}, nil
}

func (u *PgUpstream) FetchChanges(ctx context.Context) ([]RawChange, error) {
	var limit *int32
	if u.fetchLimit > 0 {
		n := int32(u.fetchLimit)
		limit = &n
	}

	rows, err := u.conn.Query(ctx, fetchChangesSQL, u.slot, limit, u.publication)
	if err != nil {
		return nil, fmt.Errorf("fetch changes from slot %s: %w", u.slot, err)
	}

	changes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (RawChange, error) {
		var change RawChange
		err := row.Scan(&change.LSN, &change.Data)
		return change, err
	})
	if err != nil {
		return nil, fmt.Errorf("read changes from slot %s: %w", u.slot, err)
	}

	return changes, nil
}

func (u *PgUpstream) SlotStatus(ctx context.Context) (SlotStatus, error) {
	var confirmed, restart *string
	var status SlotStatus

	err := u.conn.QueryRow(ctx, slotStatusSQL, u.slot).Scan(&confirmed, &restart, &status.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return SlotStatus{}, fmt.Errorf("%w: %s", ErrSlotNotFound, u.slot)
	}
	if err != nil {
		return SlotStatus{}, fmt.Errorf("query slot %s status: %w", u.slot, err)
	}

	if confirmed != nil {
		status.ConfirmedFlushLSN = *confirmed
	}
	if restart != nil {
		status.RestartLSN = *restart
	}
	return status, nil
}

func (u *PgUpstream) CreateSlot(ctx context.Context) (bool, error) {
	_, err := u.conn.Exec(ctx, createSlotSQL, u.slot)
	if err == nil {
		return true, nil
	}
	if isDuplicateSlot(err) {
		return false, nil
	}
	return false, fmt.Errorf("create replication slot %s: %w", u.slot, err)
}

func (u *PgUpstream) Close(ctx context.Context) error {
	return u.conn.Close(ctx)
}

func isDuplicateSlot(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == duplicateObjectCode {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}
