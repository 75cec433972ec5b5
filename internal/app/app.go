package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"corridor-flows/internal/alerting"
	"corridor-flows/internal/config"
	"corridor-flows/internal/dedupe"
	"corridor-flows/internal/executor"
	"corridor-flows/internal/flow"
	"corridor-flows/internal/outbox"
	"corridor-flows/internal/refund"
	"corridor-flows/internal/service"
	"corridor-flows/internal/status"
	"corridor-flows/internal/storage"
	"corridor-flows/internal/transaction"
	"corridor-flows/internal/venue"
)

// errNoDatabase is returned by commands that need durable state.
var errNoDatabase = errors.New("database.dsn not configured")

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Venues resolves payout providers, exchanges and the hot wallet. It defaults to the
	// sandbox clients; deployments embedding the app install real clients.
	Venues *venue.Registry
	// Out receives command results; logs go to the logger.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		Config: cfg,
		Logger: logger.With().Str("component", "app").Logger(),
		Venues: SandboxVenues(),
		Out:    os.Stdout,
	}
}

// SandboxVenues registers simulated clients for every provider and venue.
func SandboxVenues() *venue.Registry {
	binance := venue.NewSimulatedExchange(flow.VenueBinance)
	transfero := venue.NewSimulatedExchange(flow.VenueTransfero)
	return venue.NewRegistry().
		RegisterPayout(flow.ProviderPix, &venue.SimulatedPayout{}).
		RegisterPayout(flow.ProviderSpei, &venue.SimulatedPayout{}).
		RegisterPayout(flow.ProviderBreb, &venue.SimulatedPayout{}).
		RegisterPayout(flow.ProviderNequi, &venue.SimulatedPayout{RawStatus: "APPROVED"}).
		RegisterExchange(flow.VenueBinance, binance).
		RegisterExchange(flow.VenueTransfero, transfero).
		SetWallet(&venue.SimulatedWallet{})
}

// repository is what the runtime needs from persistence; storage.Store and storage.Memory
// both provide it.
type repository interface {
	transaction.Repository
	flow.DefinitionStore
	outbox.Store
	refund.Store
	Lock(ctx context.Context, key string) (func(), error)
	VolumeBetween(ctx context.Context, from, to time.Time, bucket time.Duration) ([]storage.VolumeBucket, error)
}

var (
	_ repository = (*storage.Store)(nil)
	_ repository = (*storage.Memory)(nil)
)

// runtime is the fully wired flow engine.
type runtime struct {
	repo       repository
	flows      *flow.Service
	dispatcher *outbox.Dispatcher
	worker     *outbox.Worker
	refunds    *refund.Coordinator
	orch       *service.Service
	closers    []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// open builds the runtime over PostgreSQL. With allowMemory, a missing DSN falls back to
// process memory.
func (a *App) open(ctx context.Context, allowMemory bool) (*runtime, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store == nil {
		if !allowMemory {
			return nil, errNoDatabase
		}
		a.Logger.Warn().Msg("database.dsn not configured; state is kept in memory")
		return a.build(ctx, storage.NewMemory())
	}

	rt, err := a.build(ctx, store)
	if err != nil {
		closeStore()
		return nil, err
	}
	rt.closers = append([]func(){closeStore}, rt.closers...)
	return rt, nil
}

func (a *App) build(ctx context.Context, repo repository) (*runtime, error) {
	cfg := a.Config
	rt := &runtime{repo: repo, flows: flow.NewService(repo, a.Logger)}

	rt.worker = outbox.NewWorker(repo, a.senders(), outbox.WorkerOptions{
		BatchSize: cfg.Outbox.BatchSize,
		Lease:     cfg.Outbox.Lease,
		Retry: outbox.RetryPolicy{
			MaxAttempts:     cfg.Outbox.MaxAttempts,
			InitialInterval: cfg.Outbox.InitialBackoff,
			MaxInterval:     cfg.Outbox.MaxBackoff,
			Multiplier:      cfg.Outbox.Multiplier,
		},
	}, a.Logger)
	rt.dispatcher = outbox.NewDispatcher(repo, rt.worker, outbox.DispatcherOptions{
		UserNotificationsURL: cfg.Outbox.UserNotificationsURL,
		AlertChannels:        a.alertChannels(),
		Lease:                cfg.Outbox.Lease,
	}, a.Logger)

	encoder, err := a.evmEncoder()
	if err != nil {
		return nil, err
	}
	var verifier refund.ReceiptVerifier
	if cfg.Refund.VerifyReceipts {
		verifier = refund.NewEthReceiptVerifier(networkKeys(cfg.Refund.RPCURLs), cfg.Refund.RequestTimeout)
	}
	rt.refunds = refund.NewCoordinator(repo, encoder, verifier, a.Logger)

	claims, closeDedupe, err := a.dedupeStore(ctx)
	if err != nil {
		return nil, err
	}
	if closeDedupe != nil {
		rt.closers = append(rt.closers, closeDedupe)
	}

	machine := transaction.NewMachine(repo, a.Logger)
	executors := executor.NewRegistry(executor.Deps{
		Transactions: repo,
		Machine:      machine,
		Statuses:     status.NewRegistry(),
		Dispatcher:   rt.dispatcher,
		Refunds:      rt.refunds,
		Venues:       a.Venues,
		Logger:       a.Logger,
	})

	rt.orch = service.New(service.Deps{
		Transactions: repo,
		Definitions:  repo,
		Machine:      machine,
		Executors:    executors,
		Dispatcher:   rt.dispatcher,
		Refunds:      rt.refunds,
		Dedupe:       claims,
		Locker:       repo,
	}, service.Options{
		DedupeTTL:      cfg.Dedupe.TTL,
		StallThreshold: cfg.Sweep.StallThreshold,
		SweepBatch:     cfg.Sweep.BatchSize,
		SweepLockKey:   cfg.Sweep.AdvisoryLockKey,
		LockTimeout:    cfg.Database.LockTimeout,
	}, a.Logger)
	return rt, nil
}

func (a *App) senders() map[outbox.Channel]outbox.Sender {
	webhook := outbox.NewWebhookSender(a.Config.Outbox.SigningSecret, a.Config.Outbox.WebhookTimeout)
	senders := map[outbox.Channel]outbox.Sender{
		outbox.ChannelPartnerWebhook: webhook,
		outbox.ChannelUser:           webhook,
	}
	for ch, notifier := range a.notifiers() {
		senders[ch] = outbox.NewAlertSender(notifier)
	}
	return senders
}

func (a *App) notifiers() map[outbox.Channel]alerting.Notifier {
	cfg := a.Config.Alerting
	out := make(map[outbox.Channel]alerting.Notifier)
	if cfg.Slack.Enabled {
		out[outbox.ChannelSlack] = alerting.NewSlackNotifier(cfg.Slack.WebhookURL, cfg.Slack.Channel, cfg.Timeout, a.Logger)
	}
	if cfg.Telegram.Enabled {
		out[outbox.ChannelTelegram] = alerting.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, cfg.Timeout, a.Logger)
	}
	return out
}

func (a *App) alertChannels() []outbox.Channel {
	var channels []outbox.Channel
	if a.Config.Alerting.Slack.Enabled {
		channels = append(channels, outbox.ChannelSlack)
	}
	if a.Config.Alerting.Telegram.Enabled {
		channels = append(channels, outbox.ChannelTelegram)
	}
	return channels
}

func (a *App) evmEncoder() (*refund.EVMEncoder, error) {
	if len(a.Config.Refund.Tokens) == 0 {
		return nil, nil
	}
	tokens := make(map[flow.Network]map[flow.Asset]refund.Token, len(a.Config.Refund.Tokens))
	for network, assets := range a.Config.Refund.Tokens {
		n := flow.Network(strings.ToUpper(network))
		tokens[n] = make(map[flow.Asset]refund.Token, len(assets))
		for asset, token := range assets {
			if !common.IsHexAddress(token.Address) {
				return nil, fmt.Errorf("refund token %s on %s: invalid contract address %q", asset, network, token.Address)
			}
			tokens[n][flow.Asset(strings.ToUpper(asset))] = refund.Token{Address: token.Address, Decimals: token.Decimals}
		}
	}
	return refund.NewEVMEncoder(tokens), nil
}

func (a *App) dedupeStore(ctx context.Context) (dedupe.Store, func(), error) {
	if a.Config.Dedupe.Backend != config.DedupeRedis {
		return dedupe.NewMemory(time.Minute), nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	return dedupe.NewRedis(client, a.Config.Redis.Prefix), func() { _ = client.Close() }, nil
}

func networkKeys(in map[string]string) map[flow.Network]string {
	out := make(map[flow.Network]string, len(in))
	for k, v := range in {
		out[flow.Network(strings.ToUpper(k))] = v
	}
	return out
}

// ReportOptions configure the report command.
type ReportOptions struct {
	From    *time.Time
	To      *time.Time
	Bucket  time.Duration
	PNGPath string
	CSVPath string
}

// FlowShowOptions select the corridor to print.
type FlowShowOptions struct {
	Asset    flow.Asset
	Network  flow.Network
	Currency flow.Asset
}

// OpenOptions describe a quoted transaction to open.
type OpenOptions struct {
	Asset         flow.Asset
	Network       flow.Network
	Currency      flow.Asset
	Amount        decimal.Decimal
	TargetAmount  decimal.Decimal
	PartnerID     string
	WebhookURL    string
	RefundAddress string
	ExpiresIn     time.Duration
}

// SimulateOptions configure an in-memory corridor run.
type SimulateOptions struct {
	CorridorFile string
	Amount       decimal.Decimal
	Rate         decimal.Decimal
	// ProviderStatus is the raw status the payout provider reports back.
	ProviderStatus string
}
