package app

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/ton_gateway/internal/app/httpapi"
	"github.com/R3E-Network/ton_gateway/internal/app/services/callbacks"
	"github.com/R3E-Network/ton_gateway/internal/app/services/messages"
	"github.com/R3E-Network/ton_gateway/internal/app/services/observer"
	"github.com/R3E-Network/ton_gateway/internal/app/services/tokens"
	"github.com/R3E-Network/ton_gateway/internal/app/services/transactions"
	"github.com/R3E-Network/ton_gateway/internal/app/services/wallets"
	"github.com/R3E-Network/ton_gateway/internal/app/storage"
	"github.com/R3E-Network/ton_gateway/internal/app/storage/memory"
	"github.com/R3E-Network/ton_gateway/internal/app/system"
	"github.com/R3E-Network/ton_gateway/internal/chain"
	"github.com/R3E-Network/ton_gateway/internal/config"
	"github.com/R3E-Network/ton_gateway/internal/middleware"
	"github.com/R3E-Network/ton_gateway/internal/tvm"
	"github.com/R3E-Network/ton_gateway/pkg/logger"
)

// Application ties the gateway services together and manages their
// lifecycle.
type Application struct {
	manager    *system.Manager
	cfg        *config.Config
	store      storage.Store
	subscriber *chain.Subscriber
	limiter    *middleware.RateLimiter
	log        *logger.Logger

	Wallets      *wallets.Service
	Transactions *transactions.Service
	Tokens       *tokens.Service
}

// New builds a fully wired application. A nil store falls back to the
// in-memory implementation, a nil cfg to the defaults.
func New(cfg *config.Config, store storage.Store, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if store == nil {
		store = memory.New()
	}

	masterSecret, err := cfg.MasterSecretBytes()
	if err != nil {
		return nil, fmt.Errorf("master secret: %w", err)
	}
	processKey, err := tvm.DeriveProcessKey(masterSecret)
	if err != nil {
		return nil, fmt.Errorf("process key: %w", err)
	}

	client, err := chain.NewClient(chain.Config{
		RPCURL:  cfg.Node.RPCURL,
		Timeout: cfg.NodeTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("node client: %w", err)
	}
	queue := chain.NewPendingQueue()
	subscriber := chain.NewSubscriber(client, queue, log.Named("subscriber"))
	stream := chain.NewStream(client, chain.StreamConfig{
		SocketURL:    cfg.Node.WSURL,
		PollInterval: cfg.NodePollInterval(),
	}, log.Named("stream"))

	unsigned := messages.NewStore()

	walletSvc := wallets.New(store, client, processKey, log.Named("wallets"))
	txSvc := transactions.New(store, walletSvc, client, subscriber, unsigned, log.Named("transactions"))
	txSvc.SetDefaultTTL(cfg.DefaultExpiration())
	tokenSvc := tokens.New(store, walletSvc, txSvc, client, log.Named("tokens"))

	obs := observer.New(store, subscriber, stream, log.Named("observer"))
	walletSvc.AttachWatcher(obs)

	dispatcher := callbacks.New(store, log.Named("callbacks"))
	dispatcher.SetPollInterval(cfg.CallbackPollInterval())
	dispatcher.SetRequestTimeout(cfg.CallbackTimeout())
	txSvc.AttachNotifier(dispatcher)
	obs.AttachNotifier(dispatcher)

	schedule := ""
	if d := cfg.UnsignedSweepInterval(); d > 0 {
		schedule = "@every " + d.String()
	}
	janitor := observer.NewJanitor(store, queue, obs, schedule, log.Named("janitor"))
	janitor.AttachNotifier(dispatcher)
	janitor.AttachUnsignedStore(unsigned)
	janitor.AttachClient(client)

	manager := system.NewManager()
	services := []system.Service{obs, dispatcher, janitor}

	var limiter *middleware.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewRateLimiter(float64(cfg.RateLimit.RPS), cfg.RateLimit.Burst)
		services = append(services, &limiterCleanup{limiter: limiter})
	}

	for _, svc := range services {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager:      manager,
		cfg:          cfg,
		store:        store,
		subscriber:   subscriber,
		limiter:      limiter,
		log:          log,
		Wallets:      walletSvc,
		Transactions: txSvc,
		Tokens:       tokenSvc,
	}, nil
}

// Router builds the HTTP surface: the business API behind HMAC request
// auth, the admin surface behind JWT, operational endpoints open.
func (a *Application) Router() *mux.Router {
	auth := middleware.NewServiceAuth(a.store, a.log.Named("auth"))
	admin := middleware.NewAdminAuth(a.cfg.Admin.JWTSecret, a.log.Named("admin"))
	handler := httpapi.New(a.Wallets, a.Transactions, a.Tokens, a.store, a.subscriber, a.log.Named("httpapi"))
	return handler.Router(auth, admin, a.limiter)
}

// Attach registers an additional lifecycle-managed service. Call before
// Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// limiterCleanupInterval paces the rate limiter map reset.
const limiterCleanupInterval = time.Minute

// limiterCleanup runs the rate limiter's periodic reset under the service
// manager's lifecycle.
type limiterCleanup struct {
	limiter *middleware.RateLimiter
	cancel  context.CancelFunc
}

var _ system.Service = (*limiterCleanup)(nil)

func (l *limiterCleanup) Name() string { return "ratelimit" }

func (l *limiterCleanup) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.limiter.StartCleanup(runCtx, limiterCleanupInterval)
	return nil
}

func (l *limiterCleanup) Stop(ctx context.Context) error {
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	return nil
}
