package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/connext/pisa/blockfeed"
	"github.com/connext/pisa/chain"
	"github.com/connext/pisa/httpserver"
	"github.com/connext/pisa/inspector"
	"github.com/connext/pisa/metrics"
	"github.com/connext/pisa/responder"
	"github.com/connext/pisa/store"
	"github.com/connext/pisa/subscriber"
	"github.com/connext/pisa/tower"
	"github.com/connext/pisa/watcher"
	"github.com/connext/pisa/zap_logger"

	"github.com/connext/pisa/appointment"
)

var version = "dev" // set during build

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

var (
	// Connection, key, storage, redis, relay and logging defaults come from
	// the environment; the numeric tuning flags below have fixed defaults.
	defaultJSONRPCURL    = getEnv("JSON_RPC_URL", "http://127.0.0.1:8545")
	defaultHostName      = getEnv("HOST_NAME", "0.0.0.0")
	defaultHostPort      = getEnv("HOST_PORT", "3000")
	defaultDBPath        = getEnv("DB_PATH", "./pisa-db")
	defaultRedisEndpoint = getEnv("REDIS_ENDPOINT", "")
	defaultEventChannel  = getEnv("EVENT_CHANNEL_NAME", "responder-events")
	defaultRelays        = getEnv("RELAY_ENDPOINTS", "")

	jsonRPCURLPtr    = flag.String("jsonRpcUrl", defaultJSONRPCURL, "chain endpoint url")
	hostNamePtr      = flag.String("hostName", defaultHostName, "interface to listen on")
	hostPortPtr      = flag.String("hostPort", defaultHostPort, "port to listen on")
	responderKeyPtr  = flag.String("responderKey", os.Getenv("RESPONDER_KEY"), "hex private key for response transactions")
	receiptKeyPtr    = flag.String("receiptKey", os.Getenv("RECEIPT_KEY"), "hex private key for appointment receipts")
	towerContractPtr = flag.String("towerContract", os.Getenv("TOWER_CONTRACT"), "accountability contract address")
	dbPathPtr        = flag.String("dbPath", defaultDBPath, "embedded store directory")

	confirmationsPtr = flag.Uint64("watcherResponseConfirmations", 12, "blocks before a response is final")
	pollIntervalPtr  = flag.Duration("pollingInterval", blockfeed.DefaultPollInterval, "head polling interval")
	gcIntervalPtr    = flag.Uint64("gcInterval", watcher.DefaultGCInterval, "blocks between expiry sweeps")

	rateLimitUserMaxPtr        = flag.Int("rateLimitUserMax", 20, "per-ip request budget")
	rateLimitUserWindowMsPtr   = flag.Int("rateLimitUserWindowMs", 1000, "per-ip window in ms")
	rateLimitUserMessagePtr    = flag.String("rateLimitUserMessage", "too many requests", "per-ip limit message")
	rateLimitGlobalMaxPtr      = flag.Int("rateLimitGlobalMax", 200, "global request budget")
	rateLimitGlobalWindowMsPtr = flag.Int("rateLimitGlobalWindowMs", 1000, "global window in ms")
	rateLimitGlobalMessagePtr  = flag.String("rateLimitGlobalMessage", "tower is at capacity", "global limit message")

	channelCodeHashPtr  = flag.String("channelCodeHash", os.Getenv("CHANNEL_CODE_HASH"), "keccak256 of the insurable channel bytecode")
	minDisputePeriodPtr = flag.Uint64("minDisputePeriod", 100, "minimum on-chain dispute period in blocks")

	redisPtr        = flag.String("redis", defaultRedisEndpoint, "redis url for event publishing (empty disables)")
	eventChannelPtr = flag.String("eventChannel", defaultEventChannel, "redis pub/sub channel for responder events")
	relaysPtr       = flag.String("relays", defaultRelays, "auxiliary relay endpoints (comma separated)")

	debugPtr      = flag.Bool("debug", os.Getenv("DEBUG") == "1", "print debug output")
	logProdPtr    = flag.Bool("log-prod", os.Getenv("LOG_PROD") == "1", "log in production mode (json)")
	logFilePtr    = flag.String("log-file", getEnv("LOG_FILE", "./log/tower.log"), "rotated log file (empty disables)")
	logServicePtr = flag.String("log-service", os.Getenv("LOG_SERVICE"), "'service' tag to logs")
)

func main() {
	flag.Parse()

	logger := zap_logger.NewLogger(zap_logger.Options{
		Debug:   *debugPtr,
		Prod:    *logProdPtr,
		File:    *logFilePtr,
		Service: *logServicePtr,
	})
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting pisa tower", zap.String("version", version))

	ctx, ctxCancel := context.WithCancel(context.Background())
	defer ctxCancel()

	responderKey, err := crypto.HexToECDSA(strings.TrimPrefix(*responderKeyPtr, "0x"))
	if err != nil {
		logger.Fatal("Failed to parse responder key", zap.Error(err))
	}
	receiptKey, err := crypto.HexToECDSA(strings.TrimPrefix(*receiptKeyPtr, "0x"))
	if err != nil {
		logger.Fatal("Failed to parse receipt key", zap.Error(err))
	}
	if !common.IsHexAddress(*towerContractPtr) {
		logger.Fatal("Invalid tower contract address", zap.String("address", *towerContractPtr))
	}
	towerContract := common.HexToAddress(*towerContractPtr)

	client, err := chain.Dial(*jsonRPCURLPtr, logger)
	if err != nil {
		logger.Fatal("Failed to connect to chain endpoint", zap.Error(err))
	}
	defer client.Close()

	st, err := store.Open(*dbPathPtr)
	if err != nil {
		logger.Fatal("Failed to open appointment store", zap.Error(err))
	}
	defer st.Close()

	m := metrics.New()

	var relays *responder.RelayBroadcaster
	if *relaysPtr != "" {
		relays = responder.NewRelayBroadcaster(strings.Split(*relaysPtr, ","), logger)
	}

	listeners := []responder.Listener{metricsListener(m)}
	if *redisPtr != "" {
		redisOpts, err := redis.ParseURL(*redisPtr)
		if err != nil {
			logger.Fatal("Failed to parse redis url", zap.Error(err))
		}
		redisClient := redis.NewClient(redisOpts)
		listeners = append(listeners, responder.NewRedisPublisher(redisClient, *eventChannelPtr, logger))
	}

	resp := responder.New(client, client, responderKey, relays, responder.Config{}, logger, listeners...)
	if err := resp.Start(ctx); err != nil {
		logger.Fatal("Failed to start responder", zap.Error(err))
	}

	w := watcher.New(st, resp, towerContract, logger)
	resp.AttachListener(w.ResponderListener())

	subs := subscriber.New(client, logger, blockfeed.DefaultWindow)
	subs.OnLog(func(id string, lg types.Log) {
		before, _ := w.Phase(id)
		w.OnLog(ctx)(id, lg)
		if after, _ := w.Phase(id); before != watcher.Triggered && after == watcher.Triggered {
			m.Triggered.Inc()
		}
	})
	subs.OnRetraction(w.OnRetraction())

	inspectors := inspector.NewRegistry(inspector.NewRawInspector())
	if *channelCodeHashPtr != "" {
		inspectors.Register(inspector.NewStateChannel(
			client, common.HexToHash(*channelCodeHashPtr), *minDisputePeriodPtr))
	}

	signer := appointment.NewReceiptSigner(receiptKey, towerContract)
	t := tower.New(client, st, subs, inspectors, signer, w, resp, logger)

	// recovery runs to completion before the HTTP surface opens
	if err := t.Recover(ctx); err != nil {
		logger.Fatal("Startup recovery failed", zap.Error(err))
	}

	gc := watcher.NewGarbageCollector(st, subs, w, *gcIntervalPtr, *confirmationsPtr, logger)
	gc.OnCollected = func(string) { m.AppointmentsExpired.Inc() }

	feed := blockfeed.NewFeed(client, logger, *pollIntervalPtr, blockfeed.DefaultWindow)
	// phases advance before the block's logs are routed, so a log at the
	// start block already sees an Active appointment
	feed.Attach(w.Listener())
	feed.Attach(subs.Listener(ctx))
	feed.Attach(gc.Listener())
	feed.Attach(resp.Listener())
	feed.Attach(func(ev blockfeed.Event) {
		switch ev.Kind {
		case blockfeed.NewHead:
			m.ChainHead.Set(float64(ev.Block.Number))
			m.GasQueueDepth.Set(float64(resp.QueueDepth()))
		case blockfeed.ReorgTo:
			m.Reorgs.Inc()
		}
	})

	lastBlock, err := st.LastBlock()
	if err != nil {
		logger.Fatal("Failed to read resume height", zap.Error(err))
	}

	feedDone := make(chan error, 1)
	go func() { feedDone <- feed.Run(ctx, lastBlock) }()
	go func() {
		if err := resp.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Responder stopped", zap.Error(err))
		}
	}()

	srv := httpserver.New(t, m, httpserver.Config{
		UserLimit: httpserver.RateLimit{
			Max:     *rateLimitUserMaxPtr,
			Window:  time.Duration(*rateLimitUserWindowMsPtr) * time.Millisecond,
			Message: *rateLimitUserMessagePtr,
		},
		GlobalLimit: httpserver.RateLimit{
			Max:     *rateLimitGlobalMaxPtr,
			Window:  time.Duration(*rateLimitGlobalWindowMsPtr) * time.Millisecond,
			Message: *rateLimitGlobalMessagePtr,
		},
	}, logger)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", *hostNamePtr, *hostPortPtr),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	connectionsClosed := make(chan struct{})
	go func() {
		notifier := make(chan os.Signal, 1)
		signal.Notify(notifier, os.Interrupt, syscall.SIGTERM)
		select {
		case <-notifier:
			logger.Info("Shutting down...")
		case err := <-feedDone:
			// a deep reorg is fatal: exit and let the supervisor restart
			// us into store recovery
			if errors.Is(err, blockfeed.ErrDeepReorg) {
				logger.Error("Deep reorg, exiting for supervised restart", zap.Error(err))
			}
		}
		ctxCancel()
		if err := server.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown server", zap.Error(err))
		}
		close(connectionsClosed)
	}()

	logger.Info("Tower listening",
		zap.String("addr", server.Addr),
		zap.String("towerKey", signer.Address().Hex()),
		zap.String("responder", resp.Address().Hex()))

	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("ListenAndServe: ", zap.Error(err))
	}
	<-connectionsClosed
}

func metricsListener(m *metrics.Metrics) responder.Listener {
	return func(ev responder.Event) {
		switch ev.Kind {
		case responder.ResponseSent:
			m.ResponsesSent.Inc()
		case responder.ResponseConfirmed:
			m.ResponsesConfirmed.Inc()
		case responder.ResponseFailed:
			m.ResponsesFailed.Inc()
		}
	}
}
