package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/itua234/gifty/internal/config"
	"github.com/itua234/gifty/internal/escrow"
	"github.com/itua234/gifty/internal/escrow/badgerstore"
	"github.com/itua234/gifty/internal/escrow/pgstore"
	"github.com/itua234/gifty/internal/idempotency"
	"github.com/itua234/gifty/internal/ledger"
	"github.com/itua234/gifty/internal/oracle"
	"github.com/itua234/gifty/internal/server"
	"github.com/itua234/gifty/internal/signal"
)

// recordStore is a repository that also exposes its outbox.
type recordStore interface {
	escrow.Repository
	signal.Outbox
}

// custodyBook is the ledger the escrow pays from and the gateway credits.
type custodyBook interface {
	escrow.Ledger
	server.Funds
}

type backend struct {
	records recordStore
	book    custodyBook
	idem    idempotency.Store
	health  func(context.Context) error
	close   func()
}

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Service.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.close()

	quotes, rpcHealth, closeFeed, err := openOracle(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeFeed()

	var conv escrow.Converter
	if quotes != nil {
		conv = quotes
	}
	svc, err := escrow.NewService(store.records, store.book, conv, escrow.Config{
		FeeRateBps:        cfg.Escrow.FeeRateBps,
		FeeCollector:      config.Address(cfg.Escrow.FeeCollector),
		SettlementAccount: config.Address(cfg.Escrow.SettlementAccount),
	}, logger.With("component", "escrow"))
	if err != nil {
		return fmt.Errorf("escrow service: %w", err)
	}

	dispatcher := signal.NewDispatcher(store.records, publisher(cfg, logger), signal.DispatcherConfig{
		Retry: signal.RetryPolicy{
			MaxAttempts:       cfg.Retry.MaxAttempts,
			InitialBackoff:    cfg.Retry.InitialBackoff,
			MaxBackoff:        cfg.Retry.MaxBackoff,
			BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		},
		PollInterval: cfg.Dispatch.PollInterval,
		BatchSize:    cfg.Dispatch.BatchSize,
		DLQPath:      cfg.Service.DLQPath,
	}, logger.With("component", "dispatcher"))

	deps := server.Deps{
		Escrow:      svc,
		Funds:       store.book,
		Idempotency: store.idem,
		DBHealth:    store.health,
		RPCHealth:   rpcHealth,
		DLQDepth:    dispatcher.DLQDepth,
		Logger:      logger.With("component", "http"),
	}
	if quotes != nil {
		deps.Quotes = quotes
	}
	apiServer := server.NewServer(cfg, deps)
	dispatcher.OnResult = apiServer.ObserveDispatch
	dispatcher.OnDLQDepth = apiServer.SetDLQDepth
	apiServer.SetDLQDepth(dispatcher.DLQDepth())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return apiServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openStores opens the configured record store. Postgres and badger keep
// custody balances next to the records so both survive a restart.
func openStores(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (backend, error) {
	custody := config.Address(cfg.Escrow.CustodyAccount)
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pg, err := pgstore.New(ctx, cfg.Store.DSN, cfg.Store.MaxConns)
		if err != nil {
			return backend{}, fmt.Errorf("postgres store: %w", err)
		}
		idem, err := idempotency.NewPostgresStoreFromPool(ctx, pg.Pool())
		if err != nil {
			pg.Close()
			return backend{}, fmt.Errorf("idempotency store: %w", err)
		}
		logger.Info("using postgres store")
		return backend{records: pg, book: pg.Ledger(custody), idem: idem, health: pg.Ping, close: pg.Close}, nil

	case config.DriverBadger:
		bs, err := badgerstore.Open(cfg.Store.BadgerPath)
		if err != nil {
			return backend{}, err
		}
		idem, err := idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
		if err != nil {
			_ = bs.Close()
			return backend{}, fmt.Errorf("idempotency store: %w", err)
		}
		logger.Info("using badger store", "path", cfg.Store.BadgerPath)
		closeFn := func() {
			if err := bs.Close(); err != nil {
				logger.Error("closing badger store", "error", err)
			}
		}
		return backend{records: bs, book: bs.Ledger(custody), idem: idem, health: bs.Ping, close: closeFn}, nil

	default:
		idem, err := idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
		if err != nil {
			return backend{}, fmt.Errorf("idempotency store: %w", err)
		}
		logger.Warn("using in-memory record store; records and balances are lost on restart")
		return backend{
			records: escrow.NewMemoryRepository(),
			book:    ledger.NewBook(custody),
			idem:    idem,
			close:   func() {},
		}, nil
	}
}

func openOracle(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*oracle.Adapter, func(context.Context) error, func(), error) {
	var (
		feed      oracle.Feed
		rpcHealth func(context.Context) error
		closeFn   = func() {}
	)
	switch cfg.Oracle.Kind {
	case config.OracleStatic:
		rate, ok := new(big.Int).SetString(cfg.Oracle.StaticRate, 10)
		if !ok {
			return nil, nil, nil, fmt.Errorf("oracle.static_rate %q is not an integer", cfg.Oracle.StaticRate)
		}
		feed = oracle.NewStaticFeed(rate)
	case config.OracleChain:
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		cf, err := oracle.DialChainFeed(dialCtx, oracle.ChainFeedConfig{
			RPCURL:            cfg.Oracle.RPCURL,
			FeedAddress:       cfg.Oracle.FeedAddress,
			ReferenceDecimals: cfg.Oracle.ReferenceDecimals,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("chain feed: %w", err)
		}
		feed, rpcHealth, closeFn = cf, cf.Ping, cf.Close
	default:
		logger.Warn("no price oracle configured; channel claims are disabled")
		return nil, nil, closeFn, nil
	}

	adapter, err := oracle.NewAdapter(feed, oracle.Config{
		AssetDecimals:     cfg.Escrow.AssetDecimals,
		ReferenceDecimals: cfg.Oracle.ReferenceDecimals,
		Timeout:           cfg.Oracle.Timeout,
	}, logger.With("component", "oracle"))
	if err != nil {
		closeFn()
		return nil, nil, nil, err
	}
	return adapter, rpcHealth, closeFn, nil
}

func publisher(cfg *config.AppConfig, logger *slog.Logger) signal.Publisher {
	logPub := signal.LogPublisher{Logger: logger.With("component", "signals")}
	if cfg.Dispatch.WebhookURL == "" {
		return logPub
	}
	return signal.Multi(&signal.WebhookPublisher{
		URL:    cfg.Dispatch.WebhookURL,
		Secret: cfg.Dispatch.WebhookSecret,
		Client: &http.Client{Timeout: 10 * time.Second},
	}, logPub)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
