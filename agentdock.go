// Package agentdock provides a high-level façade over the event bus,
// session/image/container manager, command router, message queue and peer
// transport that make up a conversational agent runtime. Most applications
// interact with this package by:
//  1. Creating a Runtime via New() (optionally overriding the in-memory
//     store, queue and driver factory)
//  2. Creating a container and an image, then running an agent from it
//  3. Talking to agents through the returned handles or, remotely, through
//     the command router over the peer transport
//
// All defaults are safe for local development and testing; production
// deployments typically supply the SQLite store, the Redis queue and a real
// model driver factory.
package agentdock

import (
	"context"

	"github.com/hupe1980/agentdock/bus"
	"github.com/hupe1980/agentdock/core"
	"github.com/hupe1980/agentdock/driver"
	"github.com/hupe1980/agentdock/engine"
	"github.com/hupe1980/agentdock/logging"
	"github.com/hupe1980/agentdock/manager"
	"github.com/hupe1980/agentdock/peer"
	"github.com/hupe1980/agentdock/queue"
	"github.com/hupe1980/agentdock/repository"
	"github.com/hupe1980/agentdock/router"
)

// Options configures the Runtime.
type Options struct {
	// Store provides the container/image/session repositories. Defaults to
	// an in-memory store.
	Store repository.Store

	// Queue persists broadcastable events per container topic. Defaults to
	// an in-memory queue with no retention sweeping.
	Queue queue.Queue

	// DriverFactory builds the model backend for each started agent.
	// Defaults to the scripted echo driver.
	DriverFactory manager.DriverFactory

	// Downstream, when true, exposes the runtime's bus to inbound peer
	// connections via Runtime.Downstream.
	Downstream bool

	// Logger defaults to NoOpLogger if nil.
	Logger logging.Logger
}

// Runtime aggregates the wired subsystems of one agentdock process.
type Runtime struct {
	opts       Options
	bus        *bus.Bus
	manager    *manager.Manager
	router     *router.Router
	queue      queue.Queue
	downstream *peer.Downstream
	unbridge   func()
}

// New creates a Runtime with optional overrides. Any unset dependency is
// initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) *Runtime {
	opts := Options{
		Store:  repository.NewMemoryStore().Repositories(),
		Queue:  queue.NewMemory(0),
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.DriverFactory == nil {
		opts.DriverFactory = func(context.Context, core.Image) (driver.Driver, error) {
			return driver.NewScripted(), nil
		}
	}

	b := bus.New(opts.Logger)
	m := manager.New(b, opts.Store, opts.DriverFactory, opts.Logger)
	rt := &Runtime{
		opts:    opts,
		bus:     b,
		manager: m,
		router:  router.New(b, m, opts.Logger),
		queue:   opts.Queue,
	}

	if opts.Downstream {
		rt.downstream = peer.NewDownstream(func(_ string, ev core.Event) {
			// Inbound peer events join local dispatch unchanged.
			_ = b.Emit(ev)
		}, opts.Logger)
	}

	rt.unbridge = rt.bridge()
	return rt
}

// bridge forwards every broadcastable bus event into the durable queue
// under its container topic, and out to downstream subscribers.
func (rt *Runtime) bridge() func() {
	return rt.bus.On([]string{"*"}, func(ev core.Event) {
		if !ev.Broadcastable {
			return
		}
		topic := TopicFor(ev)
		if _, err := rt.queue.Publish(context.Background(), topic, ev); err != nil {
			rt.opts.Logger.Warn("queue publish failed", "topic", topic, "event_type", ev.Type, "error", err.Error())
		}
		if rt.downstream != nil {
			rt.downstream.Broadcast(topic, ev)
		}
	})
}

// TopicFor maps an event to its queue topic. Events outside any container
// land on the shared "system" topic.
func TopicFor(ev core.Event) string {
	if ev.Context != nil && ev.Context.ContainerID != "" {
		return "container/" + ev.Context.ContainerID
	}
	return "system"
}

// Start binds the command router. The context bounds every routed
// operation.
func (rt *Runtime) Start(ctx context.Context) {
	rt.router.Bind(ctx)
}

// Bus returns the runtime's event bus.
func (rt *Runtime) Bus() *bus.Bus { return rt.bus }

// Manager returns the container/image/agent manager.
func (rt *Runtime) Manager() *manager.Manager { return rt.manager }

// Queue returns the durable event queue.
func (rt *Runtime) Queue() queue.Queue { return rt.queue }

// Downstream returns the inbound peer server, or nil when not enabled.
func (rt *Runtime) Downstream() *peer.Downstream { return rt.downstream }

// CreateContainer forwards to the manager.
func (rt *Runtime) CreateContainer(ctx context.Context, id string) (core.Container, error) {
	return rt.manager.CreateContainer(ctx, id)
}

// CreateImage forwards to the manager.
func (rt *Runtime) CreateImage(ctx context.Context, containerID string, cfg manager.ImageConfig) (core.Image, error) {
	return rt.manager.CreateImage(ctx, containerID, cfg)
}

// Run starts (or reuses) an agent for the image.
func (rt *Runtime) Run(ctx context.Context, imageID string) (*engine.Agent, bool, error) {
	return rt.manager.Run(ctx, imageID)
}

// Shutdown tears the runtime down: router unbound, agents destroyed,
// downstream connections closed, bus destroyed.
func (rt *Runtime) Shutdown(ctx context.Context) {
	rt.router.Unbind()
	rt.manager.Shutdown(ctx)
	if rt.downstream != nil {
		rt.downstream.Close()
	}
	rt.unbridge()
	rt.bus.Destroy()
}
