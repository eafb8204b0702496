package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"blockperf/core"
	"blockperf/internal/logsource"
	"blockperf/pkg/config"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the telemetry agent: ingest, correlate, and submit",
	Args:  cobra.NoArgs,
	RunE:  runAgent,
}

const (
	metricsAddr   = ":9090"
	socketTick    = 30 * time.Second
	statsTick     = 30 * time.Second
	backfillTick  = 60 * time.Second
	maxGroupAge   = 30 * time.Minute
	healthLogPath = "blockperf-health.log"
)

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log := newLogger(cfg.LogLevel)
	clientID := cfg.APIClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	health, err := core.NewHealthLogger(healthLogPath)
	if err != nil {
		return fmt.Errorf("start health logger: %w", err)
	}
	defer health.Close()

	metricsSrv, err := health.StartMetricsServer(metricsAddr)
	if err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	np := cfg.NetworkParams()
	correlator := core.NewCorrelator(core.CorrelatorConfig{
		GenesisStartUnix: np.GenesisStartUnix,
		NetworkMagic:     np.Magic,
		LocalEndpoint:    fmt.Sprintf("%s:%d", cfg.LocalAddr, cfg.LocalPort),
		ClientVersion:    cfg.ClientVersion,
		MinAge:           cfg.MinAge,
		MaxAge:           maxGroupAge,
	}, log.WithField("component", "correlator"))

	peers := core.NewPeerTracker(cfg.LocalPort)
	submitter := core.NewHTTPSubmitter(cfg.APIBaseURL(), cfg.APIKey, clientID, log.WithField("component", "submitter"))

	var source core.Source
	switch cfg.LogSourceBackend {
	case "journal":
		source = logsource.NewJournalSource(cfg.LogSourcePath, log.WithField("component", "logsource"))
	default:
		source = logsource.NewFileTailSource(cfg.LogSourcePath, log.WithField("component", "logsource"))
	}

	sched := core.NewScheduler(core.SchedulerConfig{
		CheckInterval:       cfg.CheckInterval,
		SocketInterval:      socketTick,
		StatsInterval:       statsTick,
		BackfillInterval:    backfillTick,
		ClearPeersOnRestart: cfg.ClearPeersOnRestart,
		StatsSink:           health.RecordPeerStats,
		DrainSink:           health.RecordDrainStats,
		SocketDropSink:      health.RecordSocketsDropped,
		PeerCountersSink:    health.RecordPeerCounters,
		CorrelationErrSink:  health.RecordCorrelationError,
		PeerEventSubmit: func(ctx context.Context, ev core.PeerEvent) {
			if err := submitter.SubmitPeerEvent(ctx, ev); err != nil {
				log.WithError(err).Debug("peer event submit failed")
			}
		},
	}, source, correlator, peers, core.NewOSSocketEnumerator(), submitter, log.WithField("component", "scheduler"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := sched.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = health.ShutdownMetricsServer(shutdownCtx, metricsSrv)

	if runErr != nil && runErr != context.Canceled {
		return runErr
	}
	return nil
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	}
	return log
}
