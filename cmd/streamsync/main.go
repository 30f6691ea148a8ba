package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"streamsync/internal/client"
	"streamsync/internal/feed"
	"streamsync/internal/groupcrypto"
	"streamsync/internal/protocol"
	"streamsync/internal/rpc"
	"streamsync/internal/storage"
	"streamsync/internal/syncer"
	"streamsync/pkg/clients"
	"streamsync/pkg/config"
	"streamsync/pkg/logging"
	"streamsync/pkg/monitoring"
	"streamsync/pkg/notify"
	"streamsync/pkg/server"
	"streamsync/pkg/streamid"
	"streamsync/pkg/version"
)

const serviceName = "streamsync"

func main() {
	logger := logging.NewLoggerWithService(serviceName)
	config.LoadEnv(logger)
	logger.WithFields(logging.Fields{
		"version": version.Version,
		"commit":  version.ShortCommit(),
	}).Info("Starting stream sync engine")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// === Monitoring ===
	healthChecker := monitoring.NewHealthChecker(serviceName, version.Version)
	metricsCollector := monitoring.NewMetricsCollector(serviceName, version.Version, version.GitCommit)
	metrics := metricsCollector.CreateEngineMetrics()

	// === Store ===
	store, err := storage.Open(storage.Config{
		Backend:      config.GetEnv("STORE_BACKEND", storage.BackendPebble),
		Path:         config.GetEnv("STORE_PATH", "./data"),
		ReadAttempts: config.GetEnvInt("STORE_READ_ATTEMPTS", storage.DefaultReadAttempts),
		ReadPause:    config.GetEnvDuration("STORE_READ_PAUSE", storage.DefaultReadPause),
		Logger:       logger,
		Metrics:      metrics,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to open store")
	}
	defer store.Close()

	// === Node transport ===
	nodeURL := config.RequireEnv("NODE_URL")
	transportCfg := rpc.Config{
		NodeURL:           nodeURL,
		RefreshNodeURL:    nodeRotation(nodeURL, config.GetEnvList("NODE_FALLBACK_URLS")),
		MaxAttempts:       config.GetEnvInt("RPC_MAX_ATTEMPTS", 3),
		InitialRetryDelay: config.GetEnvDuration("RPC_RETRY_INITIAL", 100*time.Millisecond),
		MaxRetryDelay:     config.GetEnvDuration("RPC_RETRY_MAX", 5*time.Second),
		CallTimeout:       config.GetEnvDuration("RPC_CALL_TIMEOUT", 30*time.Second),
		FailoverThreshold: config.GetEnvInt("RPC_FAILOVER_THRESHOLD", 2),
		ClientID:          config.GetEnv("CLIENT_ID", ""),
		Logger:            logger,
		Metrics:           metrics,
	}
	if config.GetEnvBool("RPC_CIRCUIT_BREAKER", true) {
		cb := clients.DefaultCircuitBreakerConfig()
		cb.Logger = logger
		cb.OnStateChange = clients.CircuitBreakerMetricsCallback()
		transportCfg.CircuitBreaker = &cb
	}
	transport, err := rpc.NewTransport(transportCfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create node transport")
	}
	defer transport.Close()

	// === Identity and encryption ===
	wallet := loadWallet(logger)
	var encryption client.Encryption
	if secret := config.GetEnv("GROUP_SECRET", ""); secret != "" {
		enc, err := groupcrypto.New([]byte(secret))
		if err != nil {
			logger.WithError(err).Fatal("Invalid GROUP_SECRET")
		}
		encryption = enc
	}

	// === Engine ===
	bus := notify.NewBus(logger)
	engine, err := client.New(client.Config{
		Node:       transport,
		Store:      store,
		Wallet:     wallet,
		Encryption: encryption,
		SyncBackoff: clients.Backoff{
			Initial: config.GetEnvDuration("SYNC_BACKOFF_INITIAL", 500*time.Millisecond),
			Max:     config.GetEnvDuration("SYNC_BACKOFF_MAX", 30*time.Second),
			Jitter:  true,
		},
		MaxSyncAttempts:         config.GetEnvInt("SYNC_MAX_ATTEMPTS", syncer.DefaultMaxAttempts),
		SyncStopTimeout:         config.GetEnvDuration("SYNC_STOP_TIMEOUT", syncer.DefaultStopTimeout),
		CachedScrollbackBatches: config.GetEnvInt("CACHED_SCROLLBACK_BATCHES", 3),
		MaxScrollbackSpan:       int64(config.GetEnvInt("MAX_SCROLLBACK_SPAN", 100)),
		Logger:                  logger,
		Metrics:                 metrics,
		Bus:                     bus,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create engine")
	}

	defer notify.On(bus, func(n notify.SyncFailed) {
		logger.WithError(n.Err).WithField("failures", n.Failures).Error("Sync stopped after repeated failures")
	}).Close()

	healthChecker.AddCheck("store", monitoring.PingHealthCheck("store", store))
	healthChecker.AddCheck("node", monitoring.PingHealthCheck("node", transport))
	healthChecker.AddCheck("sync", monitoring.SyncHealthCheck(func() (string, int, error) {
		state, failures := engine.SyncState()
		return state.String(), failures, engine.SyncErr()
	}))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"NODE_URL": nodeURL,
	}))

	ids := parseStreamIDs(logger, config.GetEnvList("STREAM_IDS"))
	if err := engine.WarmUp(ctx, ids); err != nil {
		logger.WithError(err).Error("Failed to load some streams")
	}
	logger.WithField("streams", engine.Streams()).Info("Streams loaded")

	if err := engine.StartSync(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start sync")
	}

	// === Status server ===
	router := server.SetupServiceRouter(logger, serviceName, healthChecker, metricsCollector)
	if config.GetEnvBool("EVENT_FEED_ENABLED", true) {
		hub := feed.NewHub(engine.Bus(), logger)
		defer hub.Close()
		router.GET("/events", func(c *gin.Context) {
			hub.ServeWS(c.Writer, c.Request)
		})
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Run(ctx, server.DefaultConfig(serviceName, "18090"), router, logger); err != nil {
			logger.WithError(err).Error("Status server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := engine.Close(closeCtx); err != nil {
		logger.WithError(err).Warn("Engine did not close cleanly")
	}
	wg.Wait()
}

func loadWallet(logger logging.Logger) *protocol.Wallet {
	if key := config.GetEnv("WALLET_PRIVATE_KEY", ""); key != "" {
		w, err := protocol.WalletFromHex(key)
		if err != nil {
			logger.WithError(err).Fatal("Invalid WALLET_PRIVATE_KEY")
		}
		return w
	}
	w, err := protocol.NewWallet()
	if err != nil {
		logger.WithError(err).Fatal("Failed to generate wallet")
	}
	logger.WithField("address", w.Address()).Warn("WALLET_PRIVATE_KEY not set, using an ephemeral key")
	return w
}

func parseStreamIDs(logger logging.Logger, raw []string) []streamid.ID {
	ids := make([]streamid.ID, 0, len(raw))
	for _, text := range raw {
		id, err := streamid.Parse(text)
		if err != nil {
			logger.WithError(err).WithField("stream_id", text).Warn("Skipping invalid stream id")
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// nodeRotation moves to the next configured address after the bound node
// keeps failing. With no fallbacks the address never changes.
func nodeRotation(primary string, fallbacks []string) func(context.Context) (string, error) {
	if len(fallbacks) == 0 {
		return nil
	}
	addrs := append([]string{primary}, fallbacks...)
	var (
		mu   sync.Mutex
		next = 1
	)
	return func(context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		addr := addrs[next%len(addrs)]
		next++
		return addr, nil
	}
}
