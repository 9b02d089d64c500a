// Package app assembles a taskrpc node from configuration: persistence,
// token verification, the interceptor chain, session registry, broadcast
// dispatcher, event bus, services and the HTTP transport.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ggoodman/taskrpc/auth"
	"github.com/ggoodman/taskrpc/broadcast"
	"github.com/ggoodman/taskrpc/broker"
	redisbroker "github.com/ggoodman/taskrpc/broker/redis"
	"github.com/ggoodman/taskrpc/config"
	"github.com/ggoodman/taskrpc/interceptor"
	"github.com/ggoodman/taskrpc/internal/metrics"
	"github.com/ggoodman/taskrpc/rpchttp"
	"github.com/ggoodman/taskrpc/services/accounts"
	"github.com/ggoodman/taskrpc/services/chat"
	"github.com/ggoodman/taskrpc/services/tasks"
	"github.com/ggoodman/taskrpc/sessions"
	"github.com/ggoodman/taskrpc/status"
	"github.com/ggoodman/taskrpc/store"
	"github.com/ggoodman/taskrpc/store/memory"
	"github.com/ggoodman/taskrpc/store/sqlite"
)

// App is one assembled node.
type App struct {
	cfg    *config.Config
	log    *slog.Logger
	server *rpchttp.Server
	relay  *broadcast.Relay

	closers []func() error
}

type options struct {
	log        *slog.Logger
	store      store.Store
	broker     broker.Broker
	bcryptCost int
}

// Option configures New.
type Option func(*options)

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

// WithStore supplies the store instead of opening one from config. The
// caller keeps ownership of it.
func WithStore(st store.Store) Option { return func(o *options) { o.store = st } }

// WithBroker routes events through b instead of the configured Redis
// broker or the in-process bus.
func WithBroker(b broker.Broker) Option { return func(o *options) { o.broker = b } }

// WithBcryptCost overrides the password hashing cost.
func WithBcryptCost(cost int) Option { return func(o *options) { o.bcryptCost = cost } }

// New builds a node. External verifiers configured by discovery contact
// their issuer during New.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := options{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{cfg: cfg, log: o.log}
	m := metrics.Global()

	st := o.store
	if st == nil {
		var err error
		st, err = openStore(ctx, cfg.Store)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, st.Close)
	}

	hmac, err := auth.NewHMAC([]byte(cfg.Auth.Secret),
		auth.WithIssuerName(cfg.Auth.Issuer),
		auth.WithTTL(cfg.Auth.TokenTTL),
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("token authority: %w", err)
	}
	tokens, err := tokenVerifier(ctx, hmac, cfg.Auth.External)
	if err != nil {
		a.Close()
		return nil, err
	}

	classifier := status.NewClassifier()
	if !cfg.KeywordFallback {
		classifier = status.NewClassifier(status.WithoutKeywordFallback())
	}

	chain := interceptor.NewChain([]interceptor.Stage{
		interceptor.NewAuthStage(auth.NewVerifier(tokens),
			interceptor.WithSkipList(cfg.Auth.SkipList...),
			interceptor.WithAuthLogger(o.log),
		),
	}, interceptor.WithLogger(o.log), interceptor.WithMetrics(m), interceptor.WithClassifier(classifier))

	reg := sessions.NewRegistry(sessions.WithLogger(o.log), sessions.WithMetrics(m))
	dispatch := broadcast.NewDispatcher(reg, broadcast.WithLogger(o.log), broadcast.WithMetrics(m))

	bus, err := a.eventBus(ctx, o.broker)
	if err != nil {
		a.Close()
		return nil, err
	}

	var sessOpts []sessions.Option
	if cfg.Streams.MaxPending > 0 {
		sessOpts = append(sessOpts, sessions.WithMaxPending(cfg.Streams.MaxPending))
	}

	accOpts := []accounts.Option{accounts.WithLogger(o.log)}
	if o.bcryptCost > 0 {
		accOpts = append(accOpts, accounts.WithBcryptCost(o.bcryptCost))
	}
	acc := accounts.New(st, hmac, hmac, accOpts...)
	taskSvc := tasks.New(st, bus, dispatch, tasks.WithLogger(o.log), tasks.WithSessionOptions(sessOpts...))
	chatSvc := chat.New(bus, dispatch, chat.WithLogger(o.log), chat.WithSessionOptions(sessOpts...))

	srvOpts := []rpchttp.Option{
		rpchttp.WithLogger(o.log),
		rpchttp.WithMetrics(m),
		rpchttp.WithClassifier(classifier),
		rpchttp.WithRealm(cfg.Auth.Realm),
	}
	if ext := cfg.Auth.External; ext.Enabled() && cfg.Auth.Resource != "" {
		srvOpts = append(srvOpts, rpchttp.WithProtectedResource(cfg.Auth.Resource, ext.Issuer))
	}
	if cfg.ShutdownTimeout > 0 {
		srvOpts = append(srvOpts, rpchttp.WithShutdownTimeout(cfg.ShutdownTimeout))
	}
	if cfg.Streams.PingPeriod > 0 {
		srvOpts = append(srvOpts, rpchttp.WithPingPeriod(cfg.Streams.PingPeriod))
	}
	a.server = rpchttp.NewServer(chain, reg, srvOpts...)
	mount(a.server, acc, taskSvc, chatSvc)
	return a, nil
}

func openStore(ctx context.Context, cfg config.Store) (store.Store, error) {
	if cfg.Path == "" {
		return memory.New(), nil
	}
	st, err := sqlite.Open(ctx, cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

func tokenVerifier(ctx context.Context, local auth.TokenVerifier, ext config.External) (auth.TokenVerifier, error) {
	if !ext.Enabled() {
		return local, nil
	}
	var opts []auth.ExternalOption
	if ext.Audience != "" {
		opts = append(opts, auth.WithAudiences(ext.Audience))
	}
	var (
		remote auth.TokenVerifier
		err    error
	)
	if ext.JWKSURL != "" {
		remote, err = auth.NewStatic(ctx, ext.Issuer, ext.JWKSURL, opts...)
	} else {
		remote, err = auth.NewFromDiscovery(ctx, ext.Issuer, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("external verifier %s: %w", ext.Issuer, err)
	}
	return auth.FirstOf(local, remote), nil
}

// eventBus picks the bus: an explicit broker, then Redis when configured,
// otherwise the in-process bus.
func (a *App) eventBus(ctx context.Context, b broker.Broker) (broadcast.Bus, error) {
	if b == nil && a.cfg.Broker.RedisAddr != "" {
		rb := redisbroker.New(redisbroker.Config{
			Client:    goredis.NewClient(&goredis.Options{Addr: a.cfg.Broker.RedisAddr}),
			KeyPrefix: a.cfg.Broker.KeyPrefix,
		})
		if err := rb.Ping(ctx); err != nil {
			_ = rb.Close()
			return nil, fmt.Errorf("redis ping %s: %w", a.cfg.Broker.RedisAddr, err)
		}
		a.closers = append(a.closers, rb.Close)
		b = rb
	}
	if b == nil {
		return broadcast.NewLocalBus(), nil
	}
	a.relay = broadcast.NewRelay(b,
		broadcast.WithNamespace(a.cfg.Broker.Namespace),
		broadcast.WithRelayLogger(a.log),
	)
	return a.relay, nil
}

// Handler returns the HTTP handler. Events emitted through a broker are
// only delivered while Serve or Run is active.
func (a *App) Handler() http.Handler { return a.server }

// Server returns the transport.
func (a *App) Server() *rpchttp.Server { return a.server }

// Run serves on the configured listen address until ctx ends.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Listen)
	if err != nil {
		return err
	}
	return a.Serve(ctx, ln)
}

// Serve consumes the event relay, if any, and serves ln until ctx ends or
// the relay fails.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	relayDone := make(chan error, 1)
	if a.relay != nil {
		go func() {
			err := a.relay.Run(ctx)
			if err != nil {
				a.log.ErrorContext(ctx, "relay.run.fail", slog.String("err", err.Error()))
				cancel()
			}
			relayDone <- err
		}()
	} else {
		relayDone <- nil
	}

	err := a.server.Serve(ctx, ln)
	cancel()
	if rerr := <-relayDone; err == nil {
		err = rerr
	}
	return err
}

// Close releases the store and broker connections New opened.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
