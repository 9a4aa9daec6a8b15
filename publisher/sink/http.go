package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/maxpert/pgrelay/pgoutput"
	"github.com/maxpert/pgrelay/publisher"
	"github.com/rs/zerolog/log"
)

const (
	DefaultIngestBatchSize    = 500
	DefaultIngestTimeout      = 30 * time.Second
	DefaultIngestRetryInitial = 200 * time.Millisecond
	DefaultIngestRetryMax     = 10 * time.Second

	ingestURLCacheSize  = 256
	errorBodySnippetLen = 512
)

// IngestConfig holds configuration for IngestSink
type IngestConfig struct {
	BaseURL      string
	Pipeline     string
	Tables       []string // schema_table allow-list, empty = route every table
	APIKey       string   // Sent as a bearer token when set
	BatchSize    int      // Records buffered per destination before a push
	Timeout      time.Duration
	Gzip         bool
	MaxRetries   int // Retries of transient failures per push
	RetryInitial time.Duration
	RetryMax     time.Duration
	Client       *http.Client // Optional, built from Timeout when nil
}

// IngestSink buffers row changes per destination table and pushes them as
// newline-delimited JSON to a pipeline ingress endpoint. Updates are sent as
// a delete of the old row followed by an insert of the new one.
type IngestSink struct {
	config  IngestConfig
	client  *http.Client
	allowed map[string]bool
	urls    *lru.Cache[string, string]

	mu      sync.Mutex
	buffers map[string][][]byte
	order   []string // Destinations in first-buffered order
}

// statusError is a non-2xx ingress response
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("ingress returned %d: %s", e.code, e.body)
}

func (e *statusError) transient() bool {
	return e.code == http.StatusTooManyRequests || e.code >= 500
}

// NewIngestSink creates an ingestion sink
func NewIngestSink(config IngestConfig) (*IngestSink, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("ingest sink requires a base url")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", config.BaseURL, err)
	}
	if config.Pipeline == "" {
		return nil, fmt.Errorf("ingest sink requires a pipeline")
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultIngestBatchSize
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultIngestTimeout
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultIngestRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultIngestRetryMax
	}

	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}

	urls, err := lru.New[string, string](ingestURLCacheSize)
	if err != nil {
		return nil, err
	}

	allowed := make(map[string]bool, len(config.Tables))
	for _, t := range config.Tables {
		allowed[t] = true
	}

	return &IngestSink{
		config:  config,
		client:  client,
		allowed: allowed,
		urls:    urls,
		buffers: make(map[string][][]byte),
	}, nil
}

func (s *IngestSink) Name() string {
	return "http"
}

// Deliver buffers row changes and pushes on Commit or when a destination
// buffer is full. Begin and Relation carry nothing to ingest.
func (s *IngestSink) Deliver(ctx context.Context, change pgoutput.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := change.(*pgoutput.Commit); ok {
		return s.flushAll(ctx)
	}

	records, err := ingestRecords(change)
	if err != nil || len(records) == 0 {
		return err
	}

	schema, table, _ := pgoutput.Target(change)
	dest := publisher.DestinationID(schema, table)
	if len(s.allowed) > 0 && !s.allowed[dest] {
		log.Debug().Str("destination", dest).Msg("Destination not configured, dropping change")
		return nil
	}

	if _, ok := s.buffers[dest]; !ok {
		s.order = append(s.order, dest)
	}
	s.buffers[dest] = append(s.buffers[dest], records...)

	if len(s.buffers[dest]) >= s.config.BatchSize {
		return s.flush(ctx, dest)
	}
	return nil
}

// Buffered returns the number of records waiting for destination
func (s *IngestSink) Buffered(dest string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffers[dest])
}

// Close pushes every pending buffer
func (s *IngestSink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()

	s.mu.Lock()
	err := s.flushAll(ctx)
	s.mu.Unlock()

	s.client.CloseIdleConnections()
	return err
}

// flushAll must be called with mu held
func (s *IngestSink) flushAll(ctx context.Context) error {
	pending := append([]string(nil), s.order...)

	var errs []error
	for _, dest := range pending {
		if err := s.flush(ctx, dest); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// flush must be called with mu held. The buffer is released whether or not
// the push succeeds.
func (s *IngestSink) flush(ctx context.Context, dest string) error {
	records := s.buffers[dest]
	delete(s.buffers, dest)
	for i, d := range s.order {
		if d == dest {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if len(records) == 0 {
		return nil
	}

	body := bytes.Join(records, []byte("\n"))
	body = append(body, '\n')

	if err := s.push(ctx, dest, body); err != nil {
		return fmt.Errorf("push %d records to %s: %w", len(records), dest, err)
	}

	log.Debug().Str("destination", dest).Int("records", len(records)).Msg("Pushed records")
	return nil
}

func (s *IngestSink) push(ctx context.Context, dest string, body []byte) error {
	idempotencyKey := ingestIdempotencyKey(dest, body)

	payload := body
	if s.config.Gzip {
		var err error
		if payload, err = gzipBytes(body); err != nil {
			return fmt.Errorf("compress body: %w", err)
		}
	}

	delay := s.config.RetryInitial
	for attempt := 0; ; attempt++ {
		err := s.post(ctx, s.ingressURL(dest), idempotencyKey, payload)
		if err == nil {
			return nil
		}

		var statusErr *statusError
		if errors.As(err, &statusErr) && !statusErr.transient() {
			return err
		}
		if attempt >= s.config.MaxRetries {
			return err
		}

		log.Warn().
			Err(err).
			Str("destination", dest).
			Int("attempt", attempt+1).
			Dur("retry_delay", delay).
			Msg("Ingress push failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry aborted: %w", err)
		case <-timer.C:
		}

		delay *= 2
		if delay > s.config.RetryMax {
			delay = s.config.RetryMax
		}
	}
}

func (s *IngestSink) post(ctx context.Context, target, idempotencyKey string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if s.config.Gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodySnippetLen))
	return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(snippet))}
}

func (s *IngestSink) ingressURL(dest string) string {
	if u, ok := s.urls.Get(dest); ok {
		return u
	}

	u := fmt.Sprintf("%s/v0/pipelines/%s/ingress/%s?format=json&update_format=insert_delete",
		strings.TrimRight(s.config.BaseURL, "/"),
		url.PathEscape(s.config.Pipeline),
		url.PathEscape(dest))
	s.urls.Add(dest, u)
	return u
}

// ingestRecords renders a row change as insert_delete records
func ingestRecords(change pgoutput.Change) ([][]byte, error) {
	switch c := change.(type) {
	case *pgoutput.Insert:
		rec, err := ingestRecord("insert", c.NewTuple)
		if err != nil {
			return nil, err
		}
		return [][]byte{rec}, nil
	case *pgoutput.Update:
		var out [][]byte
		if c.OldTuple != nil {
			rec, err := ingestRecord("delete", c.OldTuple)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
		rec, err := ingestRecord("insert", c.NewTuple)
		if err != nil {
			return nil, err
		}
		return append(out, rec), nil
	case *pgoutput.Delete:
		rec, err := ingestRecord("delete", c.OldTuple)
		if err != nil {
			return nil, err
		}
		return [][]byte{rec}, nil
	default:
		return nil, nil
	}
}

func ingestRecord(op string, row pgoutput.Tuple) ([]byte, error) {
	if row == nil {
		row = pgoutput.Tuple{}
	}
	return json.Marshal(map[string]pgoutput.Tuple{op: row})
}

func ingestIdempotencyKey(dest string, body []byte) string {
	h := xxhash.New()
	h.WriteString(dest)
	h.Write([]byte{0})
	h.Write(body)
	return fmt.Sprintf("%016x", h.Sum64())
}

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
