package telemetry

import (
	"sync"
	"time"

	"github.com/maxpert/pgrelay/pgoutput"
)

const defaultCollectInterval = 5 * time.Second

// PositionProvider exposes stream positions for sampling
type PositionProvider interface {
	LastReceivedLSN() (string, bool)
	LastProcessedLSN() (string, bool)
	Buffered() int
}

// CatalogSizer reports the number of known relations
type CatalogSizer interface {
	Len() int
}

// PositionCollector periodically samples stream positions into gauges
type PositionCollector struct {
	positions PositionProvider
	catalog   CatalogSizer
	interval  time.Duration
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewPositionCollector creates a new position collector
func NewPositionCollector(positions PositionProvider, catalog CatalogSizer, interval time.Duration) *PositionCollector {
	if interval <= 0 {
		interval = defaultCollectInterval
	}
	return &PositionCollector{
		positions: positions,
		catalog:   catalog,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the periodic collection
func (pc *PositionCollector) Start() {
	pc.wg.Add(1)
	go pc.collectLoop()
}

// Stop stops the collector and takes a final sample
func (pc *PositionCollector) Stop() {
	pc.stopOnce.Do(func() {
		close(pc.stopCh)
	})
	pc.wg.Wait()
}

func (pc *PositionCollector) collectLoop() {
	defer pc.wg.Done()

	ticker := time.NewTicker(pc.interval)
	defer ticker.Stop()

	pc.collect()

	for {
		select {
		case <-ticker.C:
			pc.collect()
		case <-pc.stopCh:
			pc.collect()
			return
		}
	}
}

func (pc *PositionCollector) collect() {
	if pc.positions != nil {
		if lsn, ok := pc.positions.LastReceivedLSN(); ok {
			setLSN(LastReceivedLSN, lsn)
		}
		if lsn, ok := pc.positions.LastProcessedLSN(); ok {
			setLSN(LastProcessedLSN, lsn)
		}
		BufferedChanges.Set(float64(pc.positions.Buffered()))
	}

	if pc.catalog != nil {
		CatalogRelations.Set(float64(pc.catalog.Len()))
	}
}

func setLSN(g Gauge, lsn string) {
	v, err := pgoutput.ParseLSN(lsn)
	if err != nil {
		return
	}
	g.Set(float64(v))
}
