// Package manager owns the container/image/agent hierarchy: containers are
// pure namespaces, images are immutable history snapshots, and agents are
// live engines started from an image. The manager is the only component
// that creates or destroys agents.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentdock/bus"
	"github.com/hupe1980/agentdock/core"
	"github.com/hupe1980/agentdock/driver"
	"github.com/hupe1980/agentdock/engine"
	"github.com/hupe1980/agentdock/logging"
	"github.com/hupe1980/agentdock/repository"
)

// Lifecycle event types emitted on the bus.
const (
	EventContainerCreated = "container_created"
	EventImageCreated     = "image_created"
	EventImageDeleted     = "image_deleted"
	EventAgentStarted     = "agent_started"
	EventAgentDestroyed   = "agent_destroyed"
)

// ImageConfig describes a fresh image. Name is required.
type ImageConfig struct {
	Name         string
	SystemPrompt string
}

// DriverFactory builds the backend driver for an agent started from the
// given image. The manager initializes and disposes the returned driver.
type DriverFactory func(ctx context.Context, img core.Image) (driver.Driver, error)

// Manager coordinates containers, images and running agents over a
// repository store. Safe for concurrent use.
type Manager struct {
	bus     *bus.Bus
	store   repository.Store
	factory DriverFactory
	logger  logging.Logger

	mu      sync.Mutex
	agents  map[string]*engine.Agent
	byImage map[string]string
	gates   map[string]*sync.Mutex
}

// New creates a manager. A nil logger falls back to NoOpLogger.
func New(b *bus.Bus, store repository.Store, factory DriverFactory, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Manager{
		bus:     b,
		store:   store,
		factory: factory,
		logger:  logger,
		agents:  make(map[string]*engine.Agent),
		byImage: make(map[string]string),
		gates:   make(map[string]*sync.Mutex),
	}
}

// runGate returns the mutex serializing Run calls for one image, so the
// check-then-start sequence cannot interleave across goroutines.
func (m *Manager) runGate(imageID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gates[imageID]
	if !ok {
		g = &sync.Mutex{}
		m.gates[imageID] = g
	}
	return g
}

func (m *Manager) emit(eventType string, evCtx core.EventContext, data map[string]any) {
	ev := core.NewEvent(eventType, "manager", core.CategoryLifecycle)
	if data != nil {
		ev.Data = data
	}
	ev.Broadcastable = true
	if err := m.bus.Emit(ev.WithContext(evCtx)); err != nil {
		m.logger.Warn("lifecycle emit rejected", "event_type", eventType, "error", err.Error())
	}
}

// CreateContainer creates the container if it does not exist and returns
// it either way.
func (m *Manager) CreateContainer(ctx context.Context, id string) (core.Container, error) {
	if c, err := m.store.Containers.FindContainerByID(ctx, id); err == nil {
		return c, nil
	} else if !core.IsNotFound(err) {
		return core.Container{}, err
	}

	c := core.Container{ID: id, CreatedAt: time.Now().UTC()}
	if err := m.store.Containers.SaveContainer(ctx, c); err != nil {
		return core.Container{}, err
	}
	m.emit(EventContainerCreated, core.EventContext{ContainerID: id}, nil)
	m.logger.Info("container created", "container_id", id)
	return c, nil
}

// CreateImage allocates a fresh image with empty message history inside an
// existing container.
func (m *Manager) CreateImage(ctx context.Context, containerID string, cfg ImageConfig) (core.Image, error) {
	if cfg.Name == "" {
		return core.Image{}, fmt.Errorf("manager: image name is required")
	}
	if _, err := m.store.Containers.FindContainerByID(ctx, containerID); err != nil {
		return core.Image{}, err
	}

	img := core.Image{
		ID:           core.NewID(),
		ContainerID:  containerID,
		Name:         cfg.Name,
		SystemPrompt: cfg.SystemPrompt,
		CreatedAt:    time.Now().UTC(),
	}
	if err := m.store.Images.SaveImage(ctx, img); err != nil {
		return core.Image{}, err
	}
	m.emit(EventImageCreated, core.EventContext{ContainerID: containerID, ImageID: img.ID},
		map[string]any{"name": img.Name})
	m.logger.Info("image created", "image_id", img.ID, "container_id", containerID)
	return img, nil
}

// ListImages returns all images in a container.
func (m *Manager) ListImages(ctx context.Context, containerID string) ([]core.Image, error) {
	return m.store.Images.FindImagesByContainerID(ctx, containerID)
}

// Run starts an agent from the image, or returns the already running agent
// bound to it (reused=true). Concurrent Run calls for one image are
// serialized; only the first creates an agent.
func (m *Manager) Run(ctx context.Context, imageID string) (*engine.Agent, bool, error) {
	gate := m.runGate(imageID)
	gate.Lock()
	defer gate.Unlock()

	m.mu.Lock()
	if agentID, ok := m.byImage[imageID]; ok {
		if a, ok := m.agents[agentID]; ok {
			m.mu.Unlock()
			return a, true, nil
		}
	}
	m.mu.Unlock()

	a, err := m.startAgent(ctx, imageID)
	if err != nil {
		return nil, false, err
	}
	return a, false, nil
}

// Resume always starts a fresh agent from the image, replaying its frozen
// history into the new session.
func (m *Manager) Resume(ctx context.Context, imageID string) (*engine.Agent, error) {
	return m.startAgent(ctx, imageID)
}

func (m *Manager) startAgent(ctx context.Context, imageID string) (*engine.Agent, error) {
	img, err := m.store.Images.FindImageByID(ctx, imageID)
	if err != nil {
		return nil, err
	}

	d, err := m.factory(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("manager: build driver for image %s: %w", imageID, err)
	}
	if err := d.Initialize(ctx); err != nil {
		d.Dispose()
		return nil, fmt.Errorf("manager: initialize driver for image %s: %w", imageID, err)
	}

	info := core.SessionInfo{
		ID:          core.NewID(),
		AgentID:     core.NewID(),
		ContainerID: img.ContainerID,
		ImageID:     img.ID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.store.Sessions.SaveSession(ctx, info); err != nil {
		d.Dispose()
		return nil, err
	}

	session := engine.NewSession(info, m.store.Sessions, m.logger)
	session.Replay(ctx, img.Messages)

	evCtx := core.EventContext{
		ContainerID: img.ContainerID,
		ImageID:     img.ID,
		AgentID:     info.AgentID,
		SessionID:   info.ID,
	}
	e := engine.NewEngine(d, session, m.bus, m.logger, img.SystemPrompt, evCtx)
	a := engine.NewAgent(core.AgentInfo{ID: info.AgentID, ImageID: img.ID, ContainerID: img.ContainerID}, e)

	m.mu.Lock()
	m.agents[a.ID()] = a
	m.byImage[img.ID] = a.ID()
	m.mu.Unlock()

	m.emit(EventAgentStarted, evCtx, map[string]any{"imageName": img.Name})
	m.logger.Info("agent started", "agent_id", a.ID(), "image_id", img.ID)
	return a, nil
}

// Agent returns the running agent with the given id.
func (m *Manager) Agent(agentID string) (*engine.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return nil, core.NewNotFound("agent", agentID)
	}
	return a, nil
}

// Agents returns a snapshot of all running agents.
func (m *Manager) Agents() []*engine.Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*engine.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	return out
}

// Snapshot freezes the agent's full session history into a new child image
// of the image the agent was started from.
func (m *Manager) Snapshot(ctx context.Context, agentID string) (core.Image, error) {
	a, err := m.Agent(agentID)
	if err != nil {
		return core.Image{}, err
	}
	parent, err := m.store.Images.FindImageByID(ctx, a.Info().ImageID)
	if err != nil {
		return core.Image{}, err
	}

	img := core.Image{
		ID:            core.NewID(),
		ContainerID:   parent.ContainerID,
		Name:          parent.Name,
		SystemPrompt:  parent.SystemPrompt,
		Messages:      a.Engine().Session().History(),
		ParentImageID: parent.ID,
		CreatedAt:     time.Now().UTC(),
	}
	if err := m.store.Images.SaveImage(ctx, img); err != nil {
		return core.Image{}, err
	}
	m.emit(EventImageCreated, core.EventContext{ContainerID: img.ContainerID, ImageID: img.ID, AgentID: agentID},
		map[string]any{"name": img.Name, "parentImageId": parent.ID})
	m.logger.Info("agent snapshotted", "agent_id", agentID, "image_id", img.ID, "parent_image_id", parent.ID)
	return img, nil
}

// DeleteImage removes the image and cascades to its sessions' message
// logs. Child images and their agents are untouched.
func (m *Manager) DeleteImage(ctx context.Context, imageID string) error {
	img, err := m.store.Images.FindImageByID(ctx, imageID)
	if err != nil {
		return err
	}

	sessions, err := m.store.Sessions.FindSessionsByImageID(ctx, imageID)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if err := m.store.Sessions.DeleteSession(ctx, sess.ID); err != nil {
			return err
		}
	}
	if err := m.store.Images.DeleteImage(ctx, imageID); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.byImage, imageID)
	delete(m.gates, imageID)
	m.mu.Unlock()

	m.emit(EventImageDeleted, core.EventContext{ContainerID: img.ContainerID, ImageID: imageID}, nil)
	m.logger.Info("image deleted", "image_id", imageID, "sessions_cascaded", len(sessions))
	return nil
}

// DestroyAgent disposes the agent's driver and removes it from the
// running set.
func (m *Manager) DestroyAgent(ctx context.Context, agentID string) error {
	a, err := m.Agent(agentID)
	if err != nil {
		return err
	}
	if err := a.Destroy(); err != nil {
		m.logger.Warn("driver dispose failed", "agent_id", agentID, "error", err.Error())
	}

	m.mu.Lock()
	delete(m.agents, agentID)
	if m.byImage[a.Info().ImageID] == agentID {
		delete(m.byImage, a.Info().ImageID)
	}
	m.mu.Unlock()

	m.emit(EventAgentDestroyed, core.EventContext{
		ContainerID: a.Info().ContainerID,
		ImageID:     a.Info().ImageID,
		AgentID:     agentID,
	}, nil)
	m.logger.Info("agent destroyed", "agent_id", agentID)
	return nil
}

// Shutdown destroys every running agent. Used by host teardown.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, a := range m.Agents() {
		if err := m.DestroyAgent(ctx, a.ID()); err != nil && !core.IsNotFound(err) {
			m.logger.Warn("agent shutdown failed", "agent_id", a.ID(), "error", err.Error())
		}
	}
}
