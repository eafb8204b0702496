package core

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"blockperf/pkg/errs"
)

// BlockSample is the flat record emitted to the submitter.
type BlockSample struct {
	BlockHash             string    `json:"block_hash"`
	BlockNumber           uint64    `json:"block_number"`
	BlockSize             int       `json:"block_size"`
	Slot                  uint64    `json:"slot"`
	SlotTime              time.Time `json:"slot_time"`
	HeaderRemoteEndpoint  string    `json:"header_remote_endpoint"`
	BlockRemoteEndpoint   string    `json:"block_remote_endpoint"`
	HeaderDeltaMS         int64     `json:"header_delta_ms"`
	BlockRequestDeltaMS   int64     `json:"block_request_delta_ms"`
	BlockResponseDeltaMS  int64     `json:"block_response_delta_ms"`
	BlockAdoptDeltaMS     int64     `json:"block_adopt_delta_ms"`
	LocalEndpoint         string    `json:"local_endpoint"`
	NetworkMagic          uint32    `json:"network_magic"`
	ClientVersion         string    `json:"client_version"`
}

// blockSampleGroup is the correlator's working state for one block hash.
type blockSampleGroup struct {
	hash string

	header    *Event
	request   *Event
	completed *Event
	adopted   *Event

	blockNumber uint64
	slot        uint64
	blockSize   int
	slotTime    time.Time
	haveSlot    bool

	createdAt   time.Time
	lastUpdated time.Time

	events []Event
}

func newBlockSampleGroup(hash string, now time.Time) *blockSampleGroup {
	return &blockSampleGroup{hash: hash, createdAt: now, lastUpdated: now}
}

func (g *blockSampleGroup) complete() bool {
	return g.header != nil && g.request != nil && g.completed != nil && g.adopted != nil
}

// CorrelatorConfig carries the fixed parameters the correlator needs to
// build an output sample and to gate draining/eviction.
type CorrelatorConfig struct {
	GenesisStartUnix int64
	NetworkMagic     uint32
	LocalEndpoint    string
	ClientVersion    string
	MinAge           time.Duration
	MaxAge           time.Duration // hard eviction ceiling for incomplete groups
}

// Submitter is the submit surface the correlator depends on.
type Submitter interface {
	SubmitBlockSample(ctx context.Context, sample BlockSample) (string, error)
}

// Correlator groups events by block hash, enforces
// completeness and sanity, and drains ready samples to a Submitter.
type Correlator struct {
	cfg CorrelatorConfig
	log *logrus.Entry

	mu     sync.Mutex
	groups map[string]*blockSampleGroup

	correlationErrors int
}

// NewCorrelator builds a Correlator. log should already carry a component
// field (e.g. log.WithField("component", "correlator")).
func NewCorrelator(cfg CorrelatorConfig, log *logrus.Entry) *Correlator {
	return &Correlator{cfg: cfg, log: log, groups: make(map[string]*blockSampleGroup)}
}

// Insert folds an event into its block-sample group, creating the group on
// first sight of the hash. Events without a block hash (peer/counter/restart
// events) are not routed here.
func (c *Correlator) Insert(ev Event) error {
	if ev.BlockHash == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[ev.BlockHash]
	if !ok {
		g = newBlockSampleGroup(ev.BlockHash, time.Now())
		c.groups[ev.BlockHash] = g
	}
	g.events = append(g.events, ev)
	if ev.At.After(g.lastUpdated) {
		g.lastUpdated = ev.At
	}

	switch ev.Variant {
	case VariantDownloadedHeader:
		if g.header == nil {
			e := ev
			g.header = &e
		}
		if !g.haveSlot {
			g.blockNumber = ev.BlockNumber
			g.slot = ev.Slot
			g.slotTime = time.Unix(c.cfg.GenesisStartUnix, 0).UTC().Add(time.Duration(ev.Slot) * time.Second)
			g.haveSlot = true
		}

	case VariantSendFetchRequest:
		// buffered only in the audit log; resolved by CompletedBlockFetch.

	case VariantCompletedBlockFetch:
		if g.completed == nil {
			e := ev
			g.completed = &e
			g.blockSize = ev.BlockSize
		}
		if g.request == nil {
			req := findMatchingRequest(g.events, ev.PeerEndpoint)
			if req == nil {
				c.correlationErrors++
				delete(c.groups, ev.BlockHash)
				return errs.New(errs.KindCorrelationError,
					"CompletedBlockFetch for "+ev.BlockHash+" has no matching SendFetchRequest")
			}
			g.request = req
		}

	case VariantAddedToCurrentChain, VariantSwitchedToAFork:
		if g.adopted == nil {
			e := ev
			g.adopted = &e
		}
	}
	return nil
}

// findMatchingRequest scans the audit log for the SendFetchRequest whose
// peer endpoint equals the CompletedBlockFetch's; the request slot must
// name the peer the block actually came from.
func findMatchingRequest(events []Event, peer Endpoint) *Event {
	for i := range events {
		e := events[i]
		if e.Variant == VariantSendFetchRequest && e.PeerEndpoint == peer {
			return &e
		}
	}
	return nil
}

func millis(d time.Duration) int64 {
	return d.Milliseconds()
}

func (g *blockSampleGroup) sane() bool {
	if g.blockNumber == 0 || g.slot == 0 {
		return false
	}
	if len(g.hash) == 0 || len(g.hash) >= 128 {
		return false
	}
	if g.blockSize <= 0 || g.blockSize >= 10_000_000 {
		return false
	}
	for _, d := range g.deltasMS() {
		if d <= -6000 || d >= 600_000 {
			return false
		}
	}
	return true
}

func (g *blockSampleGroup) deltasMS() [4]int64 {
	return [4]int64{
		millis(g.header.At.Sub(g.slotTime)),
		millis(g.request.At.Sub(g.header.At)),
		millis(g.completed.At.Sub(g.request.At)),
		millis(g.adopted.At.Sub(g.completed.At)),
	}
}

func (g *blockSampleGroup) toSample(cfg CorrelatorConfig) BlockSample {
	d := g.deltasMS()
	return BlockSample{
		BlockHash:            g.hash,
		BlockNumber:          g.blockNumber,
		BlockSize:            g.blockSize,
		Slot:                 g.slot,
		SlotTime:             g.slotTime,
		HeaderRemoteEndpoint: g.header.PeerEndpoint.String(),
		BlockRemoteEndpoint:  g.completed.PeerEndpoint.String(),
		HeaderDeltaMS:        d[0],
		BlockRequestDeltaMS:  d[1],
		BlockResponseDeltaMS: d[2],
		BlockAdoptDeltaMS:    d[3],
		LocalEndpoint:        cfg.LocalEndpoint,
		NetworkMagic:         cfg.NetworkMagic,
		ClientVersion:        cfg.ClientVersion,
	}
}

// DrainStats summarises the outcome of one Drain call, handed by the drain
// activity to its DrainSink.
type DrainStats struct {
	Submitted         int
	Retried           int
	EvictedInsane     int
	EvictedIncomplete int
}

// Drain is the periodic sweep: complete groups older
// than MinAge are checked for sanity, sane ones are submitted and evicted
// on success, insane ones are evicted without submitting, and incomplete
// groups older than MaxAge are evicted as a memory-growth guard.
func (c *Correlator) Drain(ctx context.Context, sub Submitter) DrainStats {
	now := time.Now()
	var stats DrainStats

	c.mu.Lock()
	ready := make([]*blockSampleGroup, 0)
	stale := make([]string, 0)
	for hash, g := range c.groups {
		if g.complete() {
			if now.Sub(g.createdAt) > c.cfg.MinAge {
				ready = append(ready, g)
			}
			continue
		}
		if c.cfg.MaxAge > 0 && now.Sub(g.createdAt) > c.cfg.MaxAge {
			stale = append(stale, hash)
		}
	}
	for _, hash := range stale {
		delete(c.groups, hash)
	}
	c.mu.Unlock()

	stats.EvictedIncomplete = len(stale)
	if len(stale) > 0 {
		c.log.WithField("count", len(stale)).Warn("evicted incomplete block-sample groups past max age")
	}

	for _, g := range ready {
		if !g.sane() {
			c.mu.Lock()
			delete(c.groups, g.hash)
			c.mu.Unlock()
			stats.EvictedInsane++
			c.log.WithField("block_hash", g.hash).Warn("evicted block-sample group failing sanity bounds")
			continue
		}

		sample := g.toSample(c.cfg)
		id, err := sub.SubmitBlockSample(ctx, sample)
		if err != nil {
			if e, ok := err.(*errs.Error); ok && !e.Retryable() {
				c.mu.Lock()
				delete(c.groups, g.hash)
				c.mu.Unlock()
				stats.EvictedInsane++
				c.log.WithError(err).WithField("block_hash", g.hash).Warn("permanent submit failure, evicting group")
				continue
			}
			stats.Retried++
			c.log.WithError(err).WithField("block_hash", g.hash).Debug("transient submit failure, retaining group for retry")
			continue
		}

		c.mu.Lock()
		delete(c.groups, g.hash)
		c.mu.Unlock()
		stats.Submitted++
		c.log.WithFields(logrus.Fields{"block_hash": g.hash, "id": id}).Info("submitted block sample")
	}
	return stats
}

// GroupCount returns the number of in-flight groups, for statistics.
func (c *Correlator) GroupCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.groups)
}

// CorrelationErrors returns the running count of CompletedBlockFetch events
// that arrived with no matching SendFetchRequest.
func (c *Correlator) CorrelationErrors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.correlationErrors
}
