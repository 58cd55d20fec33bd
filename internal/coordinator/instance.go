package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/AltairaLabs/research-coordinator/internal/coordinator/config"
	"github.com/AltairaLabs/research-coordinator/internal/coordinator/protocol"
	"github.com/AltairaLabs/research-coordinator/internal/coordinator/ratelimit"
	"github.com/AltairaLabs/research-coordinator/internal/coordinator/retry"
	"github.com/AltairaLabs/research-coordinator/internal/coordinator/storage"
	"github.com/AltairaLabs/research-coordinator/internal/coordinator/store"
	"github.com/AltairaLabs/research-coordinator/internal/runtime"
)

// Version is reported by the MCP server and the CLI
var Version = "0.1.0"

const (
	readHeaderTimeout = 10 * time.Second
	grpcStopTimeout   = 2 * time.Second
)

// Instance is one coordinator process: every component is built here and
// torn down by Shutdown. Nothing lives in package-level state.
type Instance struct {
	cfg     *config.Config
	logger  *zap.Logger
	fast    storage.FastStore
	durable storage.DurableStore

	store    *store.Store
	metrics  *Metrics
	limiter  *ratelimit.Limiter
	bus      *EventBus
	tasks    *TaskCoordinator
	registry *Registry
	progress *progressStream
	mcp      *MCPServer
	mcpSSE   *server.SSEServer
	maint    *maintenance

	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
	mux        *http.ServeMux

	// ctx scopes the bus listener and websocket sessions; reqCtx is the
	// base context of every HTTP request.
	ctx       context.Context
	cancel    context.CancelFunc
	reqCtx    context.Context
	reqCancel context.CancelFunc
	busDone   <-chan struct{}

	draining     atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewInstance wires a coordinator on top of the given stores and runtime.
// The instance owns the stores from here on and closes them on Shutdown.
func NewInstance(
	ctx context.Context,
	cfg *config.Config,
	fast storage.FastStore,
	durable storage.DurableStore,
	rt runtime.Runtime,
	logger *zap.Logger,
) (*Instance, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("instance_id", cfg.InstanceID))

	i := &Instance{
		cfg:     cfg,
		logger:  logger,
		fast:    fast,
		durable: durable,
	}
	i.ctx, i.cancel = context.WithCancel(context.WithoutCancel(ctx))
	i.reqCtx, i.reqCancel = context.WithCancel(context.WithoutCancel(ctx))

	i.store = store.New(fast, durable, store.Options{
		DefaultTTL:     cfg.Store.DefaultTTL,
		SyncDurable:    cfg.Store.SyncDurable,
		WriteQueueSize: cfg.Store.WriteQueueSize,
		DurableTimeout: cfg.Store.DurableTimeout,
		LockBackoff:    cfg.Task.LockBackoff,
	}, logger.Named("store"))

	i.metrics = NewMetrics(cfg.InstanceID)
	i.metrics.watchWriter(i.store.WriterStats)

	i.limiter = ratelimit.New(fast, rateLimitPolicy(cfg), logger.Named("ratelimit"),
		ratelimit.WithFallbackTier(cfg.DefaultTier),
		ratelimit.WithRejectHook(i.metrics.rateLimited))

	i.bus = NewEventBus(i.store, cfg.InstanceID, retry.Policy{
		InitialDelay:      cfg.Bus.ReconnectInitial,
		MaxDelay:          cfg.Bus.ReconnectMax,
		BackoffMultiplier: cfg.Bus.ReconnectMultiplier,
	}, logger.Named("bus"), i.metrics)

	i.tasks = NewTaskCoordinator(i.store, i.bus, rt, i.limiter, cfg, logger.Named("tasks"), i.metrics)
	i.registry = NewRegistry(i.store, i.limiter, cfg, i.tasks, logger.Named("registry"), i.metrics)

	decoder, err := protocol.NewDecoder(cfg.Server.MaxMessageBytes)
	if err != nil {
		i.abort()
		return nil, fmt.Errorf("message decoder: %w", err)
	}
	router := newMessageRouter(i.registry, i.tasks, logger.Named("router"))
	ws := newWSHandler(i.ctx, cfg, i.registry, router, decoder, logger.Named("ws"))

	i.progress = newProgressStream(i.tasks, logger.Named("sse"))
	i.mcp = NewMCPServer(MCPConfig{Name: "research-coordinator", Version: Version}, i.tasks, i.registry, logger.Named("mcp"))
	i.mcpSSE = i.mcp.SSEHandler(cfg.Server.BaseURL)
	i.grpcServer, i.health = newHealthServer()

	i.maint, err = newMaintenance(i.ctx, cfg, i.registry, i.store, logger.Named("maintenance"))
	if err != nil {
		i.abort()
		return nil, err
	}

	i.mux = http.NewServeMux()
	i.mux.Handle("GET /ws", ws)
	i.mux.Handle("GET /v1/tasks/{id}/events", i.progress)
	i.mux.Handle("GET /metrics", i.metrics.Handler())
	i.mux.Handle(mcpBasePath+"/", i.mcpSSE)
	api := &httpAPI{tasks: i.tasks, store: i.store, draining: i.draining.Load, logger: logger.Named("http")}
	api.register(i.mux)

	// Order matters: a cancelled run stops before its owner hears about it
	i.bus.Handle(i.tasks.HandleEvent)
	i.bus.Handle(func(ctx context.Context, ev *Event) {
		_ = i.registry.Dispatch(ctx, ev.SessionID, ev.Frame)
	})
	i.bus.Handle(i.progress.HandleEvent)

	i.busDone, err = i.bus.Listen(i.ctx, TaskChannelPattern)
	if err != nil {
		i.abort()
		return nil, fmt.Errorf("event bus: %w", err)
	}
	i.maint.start()

	logger.Info("Coordinator instance ready",
		zap.String("http_addr", cfg.Server.HTTPAddr),
		zap.String("grpc_addr", cfg.Server.GRPCAddr))
	return i, nil
}

// rateLimitPolicy converts the configured rules into limiter policy
func rateLimitPolicy(cfg *config.Config) ratelimit.Policy {
	policy := make(ratelimit.Policy, len(cfg.RateLimits))
	for op, tiers := range cfg.RateLimits {
		policy[op] = make(map[string]ratelimit.Limit, len(tiers))
		for tier, rule := range tiers {
			policy[op][tier] = ratelimit.Limit{
				Max:         rule.Limit,
				Window:      rule.Window,
				Burst:       rule.Burst,
				BurstWindow: rule.BurstWindow,
			}
		}
	}
	return policy
}

// Handler returns the HTTP surface of the instance
func (i *Instance) Handler() http.Handler {
	return i.mux
}

// Registry returns the connection registry
func (i *Instance) Registry() *Registry {
	return i.registry
}

// Tasks returns the task coordinator
func (i *Instance) Tasks() *TaskCoordinator {
	return i.tasks
}

// Metrics returns the instance metrics
func (i *Instance) Metrics() *Metrics {
	return i.metrics
}

// Store returns the coordination store
func (i *Instance) Store() *store.Store {
	return i.store
}

// Serve runs the HTTP and gRPC listeners until ctx ends or one of them
// fails, then shuts the instance down.
func (i *Instance) Serve(ctx context.Context) error {
	httpLis, err := net.Listen("tcp", i.cfg.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", i.cfg.Server.HTTPAddr, err)
	}
	var grpcLis net.Listener
	if i.cfg.Server.GRPCAddr != "" {
		grpcLis, err = net.Listen("tcp", i.cfg.Server.GRPCAddr)
		if err != nil {
			_ = httpLis.Close()
			return fmt.Errorf("listen %s: %w", i.cfg.Server.GRPCAddr, err)
		}
	}

	i.httpServer = &http.Server{
		Handler:           i.mux,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return i.reqCtx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		i.logger.Info("HTTP listener started", zap.String("addr", httpLis.Addr().String()))
		if err := i.httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if grpcLis != nil {
		g.Go(func() error {
			i.logger.Info("gRPC health listener started", zap.String("addr", grpcLis.Addr().String()))
			if err := i.grpcServer.Serve(grpcLis); err != nil {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.cfg.Server.ShutdownTimeout)
		defer cancel()
		return i.Shutdown(sctx)
	})
	return g.Wait()
}

// Shutdown drains the instance: it reports not-serving, ends streams,
// fails local runs as interrupted, closes sockets, stops the bus listener
// and flushes the durable writer. Later calls return the first result.
func (i *Instance) Shutdown(ctx context.Context) error {
	i.shutdownOnce.Do(func() {
		i.shutdownErr = i.shutdown(ctx)
	})
	return i.shutdownErr
}

func (i *Instance) shutdown(ctx context.Context) error {
	i.logger.Info("Shutting down coordinator instance")
	i.draining.Store(true)
	i.health.Shutdown()

	var errs []error

	// Streaming HTTP handlers end with their request context
	i.progress.Close()
	i.reqCancel()
	if err := i.mcpSSE.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("mcp transport: %w", err))
	}

	if err := i.tasks.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("task runs: %w", err))
	}
	i.registry.CloseAll(ctx, websocket.CloseGoingAway, protocol.ReasonShutdown)

	if i.httpServer != nil {
		if err := i.httpServer.Shutdown(ctx); err != nil {
			_ = i.httpServer.Close()
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}

	i.cancel()
	select {
	case <-i.busDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("event bus: %w", ctx.Err()))
	}
	i.maint.stop(ctx)

	i.store.Close()
	i.stopGRPC()
	if err := i.fast.Close(); err != nil {
		errs = append(errs, fmt.Errorf("fast store: %w", err))
	}
	if err := i.durable.Close(); err != nil {
		errs = append(errs, fmt.Errorf("durable store: %w", err))
	}

	stats := i.store.WriterStats()
	i.logger.Info("Coordinator instance stopped",
		zap.Uint64("durable_written", stats.Written),
		zap.Uint64("durable_failed", stats.Failed),
		zap.Uint64("durable_dropped", stats.Dropped))
	return errors.Join(errs...)
}

// stopGRPC stops the health listener, forcing it after grpcStopTimeout
func (i *Instance) stopGRPC() {
	done := make(chan struct{})
	go func() {
		i.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grpcStopTimeout):
		i.logger.Warn("gRPC graceful stop timed out, forcing stop")
		i.grpcServer.Stop()
		<-done
	}
}

// abort releases what NewInstance built before failing
func (i *Instance) abort() {
	i.cancel()
	i.reqCancel()
	if i.tasks != nil {
		_ = i.tasks.Shutdown(context.Background())
	}
	if i.store != nil {
		i.store.Close()
	}
}
