// Package router binds command request events to manager and engine
// operations. Every *_request produces exactly one *_response carrying the
// same requestId, even when the operation fails or the handler panics.
package router

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hupe1980/agentdock/bus"
	"github.com/hupe1980/agentdock/core"
	"github.com/hupe1980/agentdock/logging"
	"github.com/hupe1980/agentdock/manager"
)

// Request event types handled by the router. The matching response type
// replaces the _request suffix with _response.
const (
	RequestContainerCreate = "container_create_request"
	RequestImageCreate     = "image_create_request"
	RequestImageSnapshot   = "image_snapshot_request"
	RequestImageDelete     = "image_delete_request"
	RequestImageList       = "image_list_request"
	RequestAgentRun        = "agent_run_request"
	RequestAgentResume     = "agent_resume_request"
	RequestAgentReceive    = "agent_receive_request"
	RequestAgentInterrupt  = "agent_interrupt_request"
	RequestAgentDestroy    = "agent_destroy_request"
)

// handler executes one command. It returns the result payload for the
// response event.
type handler func(ctx context.Context, params map[string]any) (map[string]any, error)

// Router dispatches command requests arriving on the bus. Blocking
// operations (a full agent turn) run on their own goroutine so bus
// dispatch is never held up.
type Router struct {
	bus     *bus.Bus
	manager *manager.Manager
	logger  logging.Logger

	mu     sync.Mutex
	cancel []func()
	wg     sync.WaitGroup
}

// New creates a router over the given manager. Call Bind to start
// handling requests.
func New(b *bus.Bus, m *manager.Manager, logger logging.Logger) *Router {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Router{bus: b, manager: m, logger: logger}
}

// Bind subscribes all request types. The context bounds every dispatched
// operation.
func (r *Router) Bind(ctx context.Context) {
	handlers := map[string]handler{
		RequestContainerCreate: r.containerCreate,
		RequestImageCreate:     r.imageCreate,
		RequestImageSnapshot:   r.imageSnapshot,
		RequestImageDelete:     r.imageDelete,
		RequestImageList:       r.imageList,
		RequestAgentRun:        r.agentRun,
		RequestAgentResume:     r.agentResume,
		RequestAgentReceive:    r.agentReceive,
		RequestAgentInterrupt:  r.agentInterrupt,
		RequestAgentDestroy:    r.agentDestroy,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for reqType, h := range handlers {
		reqType, h := reqType, h
		off := r.bus.On([]string{reqType}, func(ev core.Event) {
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.dispatch(ctx, reqType, ev, h)
			}()
		})
		r.cancel = append(r.cancel, off)
	}
}

// Unbind removes all subscriptions and waits for in-flight commands.
func (r *Router) Unbind() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	for _, off := range cancel {
		off()
	}
	r.wg.Wait()
}

// dispatch runs one command and emits its single response. A panicking
// handler is converted to an error-shaped response.
func (r *Router) dispatch(ctx context.Context, reqType string, ev core.Event, h handler) {
	respType := strings.TrimSuffix(reqType, "_request") + "_response"
	requestID := ev.RequestID()

	var result map[string]any
	var err error
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("handler panic: %v", rec)
			}
		}()
		result, err = h(ctx, ev.Data)
	}()

	if err != nil {
		r.logger.Warn("command failed", "request_type", reqType, "request_id", requestID, "error", err.Error())
		result = map[string]any{"error": err.Error()}
	} else if result == nil {
		result = map[string]any{}
	}

	resp := core.NewResponseEvent(respType, "router", requestID, result)
	resp.Broadcastable = true
	if ev.Context != nil {
		resp = resp.WithContext(*ev.Context)
	}
	if emitErr := r.bus.Emit(resp); emitErr != nil {
		r.logger.Warn("response emit rejected", "response_type", respType, "request_id", requestID, "error", emitErr.Error())
	}
}

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("missing parameter %q", key)
	}
	return v, nil
}

func (r *Router) containerCreate(ctx context.Context, params map[string]any) (map[string]any, error) {
	id, err := stringParam(params, "containerId")
	if err != nil {
		return nil, err
	}
	c, err := r.manager.CreateContainer(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"containerId": c.ID}, nil
}

func (r *Router) imageCreate(ctx context.Context, params map[string]any) (map[string]any, error) {
	containerID, err := stringParam(params, "containerId")
	if err != nil {
		return nil, err
	}
	name, err := stringParam(params, "name")
	if err != nil {
		return nil, err
	}
	systemPrompt, _ := params["systemPrompt"].(string)

	img, err := r.manager.CreateImage(ctx, containerID, manager.ImageConfig{Name: name, SystemPrompt: systemPrompt})
	if err != nil {
		return nil, err
	}
	return map[string]any{"imageId": img.ID, "name": img.Name}, nil
}

func (r *Router) imageSnapshot(ctx context.Context, params map[string]any) (map[string]any, error) {
	agentID, err := stringParam(params, "agentId")
	if err != nil {
		return nil, err
	}
	img, err := r.manager.Snapshot(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"imageId": img.ID, "parentImageId": img.ParentImageID}, nil
}

func (r *Router) imageDelete(ctx context.Context, params map[string]any) (map[string]any, error) {
	imageID, err := stringParam(params, "imageId")
	if err != nil {
		return nil, err
	}
	if err := r.manager.DeleteImage(ctx, imageID); err != nil {
		return nil, err
	}
	return map[string]any{"imageId": imageID, "deleted": true}, nil
}

func (r *Router) imageList(ctx context.Context, params map[string]any) (map[string]any, error) {
	containerID, err := stringParam(params, "containerId")
	if err != nil {
		return nil, err
	}
	images, err := r.manager.ListImages(ctx, containerID)
	if err != nil {
		return nil, err
	}
	list := make([]map[string]any, 0, len(images))
	for _, img := range images {
		list = append(list, map[string]any{
			"imageId":       img.ID,
			"name":          img.Name,
			"parentImageId": img.ParentImageID,
			"createdAt":     img.CreatedAt,
		})
	}
	return map[string]any{"images": list}, nil
}

func (r *Router) agentRun(ctx context.Context, params map[string]any) (map[string]any, error) {
	imageID, err := stringParam(params, "imageId")
	if err != nil {
		return nil, err
	}
	a, reused, err := r.manager.Run(ctx, imageID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"agentId": a.ID(), "reused": reused}, nil
}

func (r *Router) agentResume(ctx context.Context, params map[string]any) (map[string]any, error) {
	imageID, err := stringParam(params, "imageId")
	if err != nil {
		return nil, err
	}
	a, err := r.manager.Resume(ctx, imageID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"agentId": a.ID()}, nil
}

func (r *Router) agentReceive(ctx context.Context, params map[string]any) (map[string]any, error) {
	agentID, err := stringParam(params, "agentId")
	if err != nil {
		return nil, err
	}
	text, err := stringParam(params, "text")
	if err != nil {
		return nil, err
	}
	a, err := r.manager.Agent(agentID)
	if err != nil {
		return nil, err
	}
	if err := a.Receive(ctx, text); err != nil {
		return nil, err
	}
	return map[string]any{"agentId": agentID}, nil
}

func (r *Router) agentInterrupt(ctx context.Context, params map[string]any) (map[string]any, error) {
	agentID, err := stringParam(params, "agentId")
	if err != nil {
		return nil, err
	}
	a, err := r.manager.Agent(agentID)
	if err != nil {
		return nil, err
	}
	if err := a.Interrupt(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"agentId": agentID}, nil
}

func (r *Router) agentDestroy(ctx context.Context, params map[string]any) (map[string]any, error) {
	agentID, err := stringParam(params, "agentId")
	if err != nil {
		return nil, err
	}
	if err := r.manager.DestroyAgent(ctx, agentID); err != nil {
		return nil, err
	}
	return map[string]any{"agentId": agentID, "destroyed": true}, nil
}
