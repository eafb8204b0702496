package core

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Unknown-peer backfill widens its historical search window by 12 hours on
// every pass, up to a 2000-hour ceiling.
const (
	backfillWindowStepHours = 12
	backfillWindowCapHours  = 2000
)

// SchedulerConfig carries the tick intervals for the periodic activities.
// MinAge lives on CorrelatorConfig.
type SchedulerConfig struct {
	CheckInterval    time.Duration
	SocketInterval   time.Duration
	StatsInterval    time.Duration
	BackfillInterval time.Duration // 0 disables unknown-peer backfill

	// ClearPeersOnRestart drops the peer map when a NodeRestarted event is
	// observed. Off by default: aliveness is independently reconciled from
	// OS sockets, so retained states converge on their own.
	ClearPeersOnRestart bool

	StatsSink          func(PeerStats)
	DrainSink          func(groupsInFlight int, stats DrainStats)
	SocketDropSink     func(removed int)
	PeerCountersSink   func(idle, cold, warm, hot int)
	CorrelationErrSink func()
	PeerEventSubmit    func(ctx context.Context, ev PeerEvent)
}

// Scheduler is a cooperative supervisor owning the long-running
// activities. Any uncaught failure is fatal to the whole group; a
// cancellation propagates to every activity and is awaited with errgroup's
// built-in fan-out/cancel-on-first-error semantics.
type Scheduler struct {
	cfg        SchedulerConfig
	source     Source
	correlator *Correlator
	peers      *PeerTracker
	sockets    SocketEnumerator
	submitter  Submitter
	log        *logrus.Entry
	historical int32 // atomic bool: 1 while the replay phase is in progress
}

// NewScheduler wires the correlator, peer tracker, submitter, and log source into a supervisor.
func NewScheduler(cfg SchedulerConfig, source Source, correlator *Correlator, peers *PeerTracker, sockets SocketEnumerator, submitter Submitter, log *logrus.Entry) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		source:     source,
		correlator: correlator,
		peers:      peers,
		sockets:    sockets,
		submitter:  submitter,
		log:        log,
	}
}

// Run blocks until ctx is cancelled or any activity fails, then cancels the
// rest and returns the first error.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.ingestionActivity(ctx) })
	g.Go(func() error { return s.drainActivity(ctx) })
	g.Go(func() error { return s.reconcileActivity(ctx) })
	g.Go(func() error { return s.statsActivity(ctx) })
	if s.cfg.BackfillInterval > 0 {
		g.Go(func() error { return s.backfillActivity(ctx) })
	}

	return g.Wait()
}

func (s *Scheduler) inHistoricalPhase() bool {
	return atomic.LoadInt32(&s.historical) == 1
}

// ingestionActivity drains the replay phase first (if the source supports
// it), then switches to the live records() stream. Replay records update
// correlator and tracker state so in-flight groups survive an agent
// restart, but nothing is submitted from them: the drain loop is gated off
// for the whole phase and peer-event notifications are suppressed.
func (s *Scheduler) ingestionActivity(ctx context.Context) error {
	closeSrc, err := s.source.Open(ctx)
	if err != nil {
		return err
	}
	defer closeSrc()

	atomic.StoreInt32(&s.historical, 1)
	replayed, err := s.source.ReplaySinceLastStart(ctx)
	if err != nil {
		return err
	}
	replayCount := 0
	for rec := range replayed {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		replayCount++
		s.route(rec, true)
	}
	atomic.StoreInt32(&s.historical, 0)
	if replayCount > 0 {
		s.log.WithField("count", replayCount).Info("replayed records since last node start")
	}

	live, err := s.source.Records(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-live:
			if !ok {
				return nil
			}
			s.route(rec, false)
		}
	}
}

// route classifies and parses one record, then hands the event to the
// correlator and/or the peer tracker. replay suppresses the outbound
// peer-event notification so pre-startup data is never submitted twice.
func (s *Scheduler) route(rec Record, replay bool) {
	variant, ok := Classify(rec.NS)
	if !ok {
		return
	}
	ev, err := Parse(rec, variant)
	if err != nil {
		s.log.WithError(err).WithField("ns", rec.NS).Warn("dropping unparsable record")
		return
	}

	switch variant {
	case VariantPeerStateChange:
		prev, lastSeen := s.peers.Apply(ev)
		if !replay && s.cfg.PeerEventSubmit != nil {
			s.cfg.PeerEventSubmit(context.Background(), PeerEvent{
				At:         ev.At,
				Direction:  ev.Direction.String(),
				LocalAddr:  ev.LocalEndpoint.IP,
				LocalPort:  ev.LocalEndpoint.Port,
				RemoteAddr: ev.RemoteEndpoint.IP,
				RemotePort: ev.RemoteEndpoint.Port,
				ChangeType: ev.NewState.String(),
				LastSeen:   lastSeen,
				LastState:  prev.String(),
			})
		}
	case VariantPeerCounters:
		// observed but never stored on the peer map; surfaced as gauges.
		if s.cfg.PeerCountersSink != nil {
			s.cfg.PeerCountersSink(ev.Idle, ev.Cold, ev.Warm, ev.Hot)
		}
	case VariantNodeRestarted:
		if s.cfg.ClearPeersOnRestart {
			s.peers.ClearAll()
			s.log.Info("cleared peer map after node restart")
		}
	default:
		if err := s.correlator.Insert(ev); err != nil {
			s.log.WithError(err).WithField("block_hash", ev.BlockHash).Warn("correlation error")
			if s.cfg.CorrelationErrSink != nil {
				s.cfg.CorrelationErrSink()
			}
		}
	}
}

// drainActivity runs the correlator drain on CheckInterval, skipped while the
// historical replay phase is in progress.
func (s *Scheduler) drainActivity(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.inHistoricalPhase() {
				continue
			}
			stats := s.correlator.Drain(ctx, s.submitter)
			if s.cfg.DrainSink != nil {
				s.cfg.DrainSink(s.correlator.GroupCount(), stats)
			}
		}
	}
}

// reconcileActivity enumerates OS sockets and hands the filtered snapshot
// to the peer tracker every SocketInterval.
func (s *Scheduler) reconcileActivity(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SocketInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sockets, err := s.sockets.Sockets()
			if err != nil {
				s.log.WithError(err).Warn("socket enumeration failed")
				continue
			}
			removed := s.peers.Reconcile(sockets)
			if removed > 0 && s.cfg.SocketDropSink != nil {
				s.cfg.SocketDropSink(removed)
			}
		}
	}
}

// statsActivity asks the peer tracker for statistics every StatsInterval, forwards the
// snapshot to the configured sink, and logs the operator-facing summary
// including the source's malformed-line count.
func (s *Scheduler) statsActivity(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats := s.peers.Stats()
			if s.cfg.StatsSink != nil {
				s.cfg.StatsSink(stats)
			}
			s.log.WithFields(logrus.Fields{
				"peers":            stats.Total,
				"groups_in_flight": s.correlator.GroupCount(),
				"skipped_lines":    s.source.SkippedLines(),
			}).Info("agent statistics")
		}
	}
}

// backfillActivity periodically searches the historical log for records
// mentioning peers whose both states are still Unknown, widening the search
// window on every pass, and feeds the first match back into ingestion.
// Matches require both IP and port to agree.
func (s *Scheduler) backfillActivity(ctx context.Context) error {
	windows := make(map[Endpoint]int)
	ticker := time.NewTicker(s.cfg.BackfillInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.inHistoricalPhase() {
				continue
			}
			unknown := s.peers.UnknownPeers()
			still := make(map[Endpoint]bool, len(unknown))
			for _, remote := range unknown {
				still[remote] = true
				w := nextBackfillWindow(windows[remote])
				windows[remote] = w
				s.backfillPeer(ctx, remote, w)
			}
			for remote := range windows {
				if !still[remote] {
					delete(windows, remote)
				}
			}
		}
	}
}

// nextBackfillWindow widens a peer's search window by one step, capped.
func nextBackfillWindow(current int) int {
	next := current + backfillWindowStepHours
	if next > backfillWindowCapHours {
		return backfillWindowCapHours
	}
	return next
}

// backfillPeer searches the last windowHours of history for a peer-state
// record matching remote and routes the first hit through ingestion. The
// search is cancelled as soon as a match is found.
func (s *Scheduler) backfillPeer(ctx context.Context, remote Endpoint, windowHours int) {
	searchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	recs, err := s.source.Search(searchCtx, remote.IP, windowHours)
	if err != nil {
		s.log.WithError(err).WithField("remote", remote.String()).Warn("backfill search failed")
		return
	}
	for rec := range recs {
		variant, ok := Classify(rec.NS)
		if !ok || variant != VariantPeerStateChange {
			continue
		}
		ev, err := Parse(rec, variant)
		if err != nil {
			continue
		}
		if !BackfillMatch(remote, ev.RemoteEndpoint) {
			continue
		}
		s.route(rec, true)
		s.log.WithFields(logrus.Fields{
			"remote": remote.String(),
			"window": windowHours,
		}).Debug("backfilled unknown peer from history")
		return
	}
}
