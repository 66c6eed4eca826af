package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/statsagg/aggregator"
	"github.com/unkn0wn-root/statsagg/internal/statscache"
	"github.com/unkn0wn-root/statsagg/internal/store"
)

func main() {
	var (
		bind     = flag.String("bind", ":7400", "peer listen address")
		httpAddr = flag.String("http", "127.0.0.1:7401", "debug HTTP address (empty=off)")
		self     = flag.String("self", "statsagg", "name sent in hello to collaborators")
		dataDir  = flag.String("data", "statsagg-data", "pebble data directory")
		inMem    = flag.Bool("in-memory", false, "keep the store in memory (testing only)")
		cacheMB  = flag.Int64("store-cache-mb", 16, "pebble block cache size")
		noSync   = flag.Bool("nosync", false, "do not fsync store commits")

		// logging
		logLevel = flag.String("log-level", "info", "debug|info|warn|error")
		logJSON  = flag.Bool("log-json", false, "JSON log output instead of console")

		// collaborators
		catalog   = flag.String("catalog", "", "catalog address (navigate/resolve)")
		authority = flag.String("authority", "", "tablet distribution authority address")
		authID    = flag.Uint64("authority-id", 0, "tablet id of the distribution authority")

		// security & limits
		authTok  = flag.String("auth", "", "optional shared token for peer handshake")
		maxFrame = flag.Int("maxframe", 16<<20, "max frame bytes")
		readTO   = flag.Duration("readto", 3*time.Second, "read timeout per frame")
		writeTO  = flag.Duration("writeto", 3*time.Second, "write timeout per frame")
		idleTO   = flag.Duration("idleto", 5*time.Minute, "idle timeout")
		inflight = flag.Int("inflight", 64, "max inflight requests per collaborator")
		msgRate  = flag.Float64("msg-rate", 0, "inbound frames/sec per connection (0=unlimited)")
		msgBurst = flag.Int("msg-burst", 0, "inbound frame burst per connection")
		connQ    = flag.Int("conn-queue", 128, "per-connection inbound queue length")
		shards   = flag.Int("cache-shards", 0, "statistics cache partitions (0=derived)")

		// propagation
		propagate  = flag.Duration("propagate", 3*time.Minute, "full propagation interval")
		propTO     = flag.Duration("propagate-timeout", 2*time.Minute, "full propagation timeout")
		fastCheck  = flag.Duration("fast-check", 50*time.Millisecond, "fast propagation window")
		fastBudget = flag.Int("fast-budget", 3, "immediate replies per fast window")
		sizeLimit  = flag.Int("stats-size-limit", 2<<20, "bytes per propagation batch")

		// scanning
		scanEvery  = flag.Duration("scan-interval", 24*time.Hour, "minimum age before a table is re-scanned")
		scanTick   = flag.Duration("schedule-scan", time.Second, "scan scheduling tick")
		retry      = flag.Duration("retry", time.Second, "navigate/resolve/provision retry interval")
		distRetry  = flag.Duration("distribution-retry", time.Second, "distribution retry interval")
		reqTO      = flag.Duration("request-timeout", 10*time.Second, "collaborator call timeout")
		workers    = flag.Int("workers", 16, "collaborator calls in flight")
		statsOn    = flag.Bool("statistics", true, "deliver statistics to nodes")
		columnOn   = flag.Bool("column-statistics", true, "scan and save column statistics")
		keepAlives = flag.Duration("keepalive-timeout", 3*time.Second, "keep-alive silence warning")
	)
	flag.Parse()

	logger := newLogger(*logLevel, *logJSON)

	opts := store.DefaultOptions(*dataDir)
	opts.InMemory = *inMem
	opts.CacheSizeMB = *cacheMB
	opts.NoSync = *noSync
	opts.Logger = logger
	st, err := store.Open(opts)
	if err != nil {
		logger.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()

	cacheCfg := statscache.DefaultConfig()
	if *shards > 0 {
		cacheCfg.ShardCount = *shards
	}
	blobs := statscache.New[aggregator.ShardID](cacheCfg)
	defer blobs.Close()

	rcfg := aggregator.DefaultRemote()
	rcfg.Self = *self
	rcfg.CatalogAddr = *catalog
	rcfg.AuthorityAddr = *authority
	rcfg.AuthorityID = aggregator.TabletID(*authID)
	rcfg.AuthToken = *authTok
	rcfg.MaxFrameSize = *maxFrame
	rcfg.WriteTimeout = *writeTO
	rcfg.IdleTimeout = *idleTO
	rcfg.MaxInflight = *inflight
	rcfg.Logger = logger
	remote := aggregator.NewRemote(rcfg)
	defer remote.Close()

	scfg := aggregator.DefaultServer()
	scfg.BindAddr = *bind
	scfg.AuthToken = *authTok
	scfg.MaxFrameSize = *maxFrame
	scfg.ReadTimeout = *readTO
	scfg.WriteTimeout = *writeTO
	scfg.IdleTimeout = *idleTO
	scfg.PerConnQueue = *connQ
	scfg.MsgRate = *msgRate
	scfg.MsgBurst = *msgBurst
	scfg.Logger = logger
	srv := aggregator.NewServer(scfg, blobs)

	cfg := aggregator.Default()
	cfg.Logger = logger
	cfg.PropagateInterval = *propagate
	cfg.PropagateTimeout = *propTO
	cfg.FastCheckInterval = *fastCheck
	cfg.FastNodesBudget = *fastBudget
	cfg.StatsSizeLimitBytes = *sizeLimit
	cfg.ScanInterval = *scanEvery
	cfg.ScheduleScanInterval = *scanTick
	cfg.RetryInterval = *retry
	cfg.DistributionRetryInterval = *distRetry
	cfg.RequestTimeout = *reqTO
	cfg.KeepAliveTimeout = *keepAlives
	cfg.Workers = *workers
	cfg.EnableStatistics = aggregator.BoolPtr(*statsOn)
	cfg.EnableColumnStatistics = aggregator.BoolPtr(*columnOn)

	agg, err := aggregator.New(cfg, aggregator.Deps{
		Catalog:     remote,
		Distributor: remote,
		Reader:      remote,
		Table:       st,
		Outbox:      srv,
		Blobs:       blobs,
		Store:       st,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("build aggregator")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return agg.Run(gctx) })
	g.Go(func() error { return srv.Serve(gctx, agg) })
	if *httpAddr != "" {
		hs := &http.Server{
			Addr:              *httpAddr,
			Handler:           debugMux(agg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			err := hs.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return errors.Wrap(err, "debug http")
		})
		g.Go(func() error {
			<-gctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hs.Shutdown(shutCtx)
		})
	}

	logger.Info().
		Str("bind", *bind).
		Str("http", *httpAddr).
		Str("catalog", *catalog).
		Str("authority", *authority).
		Bool("statistics", *statsOn).
		Bool("column_statistics", *columnOn).
		Msg("statsagg up")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("bye.")
}

func newLogger(level string, asJSON bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	var l zerolog.Logger
	if asJSON {
		l = zerolog.New(os.Stderr)
	} else {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return l.Level(lvl).With().Timestamp().Logger()
}

// debugMux serves read-only introspection.
func debugMux(agg *aggregator.Aggregator) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/snapshot", func(w http.ResponseWriter, r *http.Request) {
		snap, err := agg.Snapshot(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, snap)
	})
	mux.HandleFunc("/debug/status", func(w http.ResponseWriter, r *http.Request) {
		path, err := aggregator.ParsePathID(r.URL.Query().Get("path"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		status, err := agg.ScanStatus(r.Context(), path)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]string{"path": path.String(), "status": status.String()})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
