package server

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mastiff-sec/mastiff/pkg/api"
	"github.com/mastiff-sec/mastiff/pkg/artifact"
	"github.com/mastiff-sec/mastiff/pkg/chain"
	"github.com/mastiff-sec/mastiff/pkg/config"
	"github.com/mastiff-sec/mastiff/pkg/dispatch"
	"github.com/mastiff-sec/mastiff/pkg/events"
	"github.com/mastiff-sec/mastiff/pkg/executor"
	"github.com/mastiff-sec/mastiff/pkg/external"
	"github.com/mastiff-sec/mastiff/pkg/log"
	"github.com/mastiff-sec/mastiff/pkg/metrics"
	"github.com/mastiff-sec/mastiff/pkg/queue"
	"github.com/mastiff-sec/mastiff/pkg/registry"
	"github.com/mastiff-sec/mastiff/pkg/runtime"
	"github.com/mastiff-sec/mastiff/pkg/storage"
)

// drainTimeout bounds how long shutdown waits for in-flight HTTP requests.
const drainTimeout = 15 * time.Second

// Server assembles and supervises every long-lived component of one Mastiff
// node: the persistence layer, the queue plane, the container runtime, the
// module registry, the chain executor, and the HTTP control plane.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	store      storage.Store
	queue      queue.Queue
	rt         runtime.Runtime
	broker     *events.Broker
	modules    *registry.Registry
	prober     *registry.Prober
	artifacts  *artifact.Store
	chains     *chain.Definitions
	adapter    *external.Adapter
	exec       *executor.Executor
	dispatcher *dispatch.Dispatcher
	collector  *metrics.Collector
	api        *api.Server

	probing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Option replaces one backend before the remaining components are built
// over it. Used by tests and embedders; production nodes take the defaults
// from the configuration.
type Option func(*Server)

// WithStore uses st instead of opening the configured backend.
func WithStore(st storage.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithQueue uses q instead of connecting to the configured Redis.
func WithQueue(q queue.Queue) Option {
	return func(s *Server) { s.queue = q }
}

// WithRuntime uses rt instead of dialing containerd.
func WithRuntime(rt runtime.Runtime) Option {
	return func(s *Server) { s.rt = rt }
}

// New validates cfg and builds the full component graph. Nothing is
// serving yet when New returns; call Run. On error every backend already
// opened is closed again.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Server, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, logger: log.WithComponent("server")}
	for _, opt := range opts {
		opt(s)
	}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if s.store == nil {
		if s.store, err = openStore(cfg); err != nil {
			return nil, err
		}
	}
	if s.queue == nil {
		if s.queue, err = queue.NewRedisQueue(ctx, queue.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}); err != nil {
			return nil, err
		}
	}
	if s.rt == nil {
		if s.rt, err = runtime.NewContainerdRuntime(cfg.Runtime.Socket, cfg.Runtime.Namespace); err != nil {
			return nil, err
		}
	}

	s.broker = events.NewBroker()
	s.broker.Start()

	s.modules = registry.New(s.store, s.rt, s.queue, cfg, s.broker)
	if err = s.modules.Bootstrap(ctx); err != nil {
		return nil, err
	}

	if s.artifacts, err = artifact.NewStore(cfg.StoreDir(), s.store, s.broker); err != nil {
		return nil, err
	}
	s.chains = chain.NewDefinitions(s.store, s.modules.Exists, s.broker)
	s.adapter = external.NewAdapter(s.store, s.queue, s.modules, s.broker, cfg.External.NotifyTimeout)
	s.exec = executor.New(s.store, s.queue, s.modules, s.adapter, s.broker, cfg)

	if s.dispatcher, err = dispatch.New(s.store, s.modules, s.exec); err != nil {
		return nil, err
	}

	s.collector = metrics.NewCollector(s.store, s.queue)
	s.prober = registry.NewProber(s.modules, cfg.Lifecycle.ProbeInterval)
	s.api = api.NewServer(api.Deps{
		Store:      s.store,
		Queue:      s.queue,
		Artifacts:  s.artifacts,
		Modules:    s.modules,
		Chains:     s.chains,
		Runs:       s.exec,
		Dispatcher: s.dispatcher,
		Results:    s.adapter,
		Broker:     s.broker,
	})

	return s, nil
}

// Run brings the node up and blocks until ctx is cancelled or a component
// fails. Order matters at the front: the results watcher must be consuming
// before recovery runs, so answers to tasks recovery declares lost file as
// orphans instead of vanishing. The node is fully closed when Run returns;
// open runs stay in the store for the next process to recover.
func (s *Server) Run(ctx context.Context) error {
	defer func() { _ = s.Close() }()

	if err := s.exec.WatchResults(); err != nil {
		return err
	}
	if err := s.exec.Recover(); err != nil {
		return err
	}

	s.modules.AutoActivate(ctx)
	s.probing.Store(true)
	s.prober.Start()
	s.collector.Start()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.api.Start(s.cfg.ListenAddr)
	})

	g.Go(func() error {
		if err := s.modules.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		drain, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		return s.api.Shutdown(drain)
	})

	s.logger.Info().
		Str("addr", s.cfg.ListenAddr).
		Str("store", s.cfg.Store.Backend).
		Str("data_dir", s.cfg.DataDir).
		Msg("Mastiff node up")

	err := g.Wait()
	s.logger.Info().Msg("Mastiff node stopped")
	return err
}

// Close tears the component graph down in reverse dependency order and
// releases the backends. Safe to call more than once and on a partially
// constructed server. Open runs are deliberately left in the store; the
// next process picks them up.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		// Prober.Stop waits for the probe loop, so only stop it if Run
		// actually started it.
		if s.probing.Load() {
			s.prober.Stop()
		}
		if s.exec != nil {
			s.exec.Stop()
		}
		if s.collector != nil {
			s.collector.Stop()
		}
		if s.broker != nil {
			s.broker.Stop()
		}
		if s.queue != nil {
			if err := s.queue.Close(); err != nil {
				s.closeErr = errors.Join(s.closeErr, err)
			}
		}
		if s.rt != nil {
			if err := s.rt.Close(); err != nil {
				s.closeErr = errors.Join(s.closeErr, err)
			}
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				s.closeErr = errors.Join(s.closeErr, err)
			}
		}
	})
	return s.closeErr
}

// openStore opens the configured persistence backend. Postgres expects its
// schema to exist already; migrations ship with cmd/mastiff-migrate.
func openStore(cfg *config.Config) (storage.Store, error) {
	if strings.EqualFold(cfg.Store.Backend, "postgres") {
		return storage.NewSQLStore(cfg.Store.DSN)
	}
	return storage.NewBoltStore(cfg.DataDir)
}
