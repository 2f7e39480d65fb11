// Package controlsystem connects the watcher agent to the lifecycle events
// of the process hosting it.
package controlsystem

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ProgramStatus is a program lifecycle notification from the host.
type ProgramStatus int

const (
	ProgramStatusStopping ProgramStatus = iota + 1
	ProgramStatusPaused
	ProgramStatusResumed
)

func (p ProgramStatus) String() string {
	switch p {
	case ProgramStatusStopping:
		return "stopping"
	case ProgramStatusPaused:
		return "paused"
	case ProgramStatusResumed:
		return "resumed"
	default:
		return fmt.Sprintf("ProgramStatus(%d)", int(p))
	}
}

// SystemEvent is a host-wide notification such as a reload request.
type SystemEvent string

// NetworkEvent reports a change on a network adapter.
type NetworkEvent struct {
	Adapter string
	Up      bool
}

// Host delivers lifecycle events to registered handlers.
type Host interface {
	SubscribeSystemEvents(func(SystemEvent)) error
	SubscribeProgramStatus(func(ProgramStatus)) error
	SubscribeNetworkEvents(func(NetworkEvent)) error
}

// Lifecycle is the surface the host drives.
type Lifecycle interface {
	OnStart(ctx context.Context) error
	OnStop()
	OnNetworkChange(ev NetworkEvent)
}

// Service is the long-running component being controlled.
type Service interface {
	Start(ctx context.Context) error
	Stop()
}

// Preparer runs one-off setup before the service starts.
type Preparer interface {
	Prepare(ctx context.Context) error
}

// Controller starts and stops a Service in response to host events.
type Controller struct {
	service  Service
	preparer Preparer
	closer   io.Closer
	logger   *zap.Logger

	stopping atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
}

var _ Lifecycle = (*Controller)(nil)

// Option configures a Controller.
type Option func(*Controller)

// WithPreparer runs p.Prepare in OnStart before the service starts.
func WithPreparer(p Preparer) Option {
	return func(c *Controller) { c.preparer = p }
}

// WithCloser closes cl in OnStop after the service has stopped.
func WithCloser(cl io.Closer) Option {
	return func(c *Controller) { c.closer = cl }
}

// New creates a Controller and registers its handlers with host. A
// handler that fails to register is logged and skipped; the controller is
// still usable through its Lifecycle methods.
func New(host Host, service Service, logger *zap.Logger, opts ...Option) *Controller {
	c := &Controller{
		service: service,
		logger:  logger,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := host.SubscribeSystemEvents(c.handleSystemEvent); err != nil {
		logger.Error("failed to register system event handler", zap.Error(err))
	}
	if err := host.SubscribeProgramStatus(c.handleProgramStatus); err != nil {
		logger.Error("failed to register program status handler", zap.Error(err))
	}
	if err := host.SubscribeNetworkEvents(c.OnNetworkChange); err != nil {
		logger.Error("failed to register network event handler", zap.Error(err))
	}
	return c
}

// OnStart prepares the sinks and starts the service. A failed preparation
// is logged and the service starts anyway; its sinks report errors per tick.
// A stop that arrives first wins: OnStart then returns nil without starting.
func (c *Controller) OnStart(ctx context.Context) error {
	if c.stopping.Load() {
		c.logger.Info("stop requested before start; not starting service")
		return nil
	}
	if c.preparer != nil {
		if err := c.preparer.Prepare(ctx); err != nil {
			c.logger.Error("sink preparation failed; continuing degraded", zap.Error(err))
		}
	}
	if err := c.service.Start(ctx); err != nil {
		if c.stopping.Load() {
			c.logger.Info("stop requested during start; service not started", zap.Error(err))
			return nil
		}
		c.logger.Error("failed to start service", zap.Error(err))
		return fmt.Errorf("start service: %w", err)
	}
	c.logger.Info("service started")
	return nil
}

// OnStop stops the service and releases its resources. Safe to call more
// than once and from any goroutine.
func (c *Controller) OnStop() {
	c.stopOnce.Do(func() {
		c.stopping.Store(true)
		c.service.Stop()
		if c.closer != nil {
			if err := c.closer.Close(); err != nil {
				c.logger.Warn("error closing sinks", zap.Error(err))
			}
		}
		c.logger.Info("service stopped")
		close(c.done)
	})
}

// OnNetworkChange logs adapter changes. Sinks reconnect on their own.
func (c *Controller) OnNetworkChange(ev NetworkEvent) {
	c.logger.Info("network event",
		zap.String("adapter", ev.Adapter),
		zap.Bool("up", ev.Up),
	)
}

// Done is closed once OnStop has completed.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) handleProgramStatus(ps ProgramStatus) {
	c.logger.Info("program status event", zap.Stringer("status", ps))
	if ps == ProgramStatusStopping {
		c.OnStop()
	}
}

func (c *Controller) handleSystemEvent(ev SystemEvent) {
	c.logger.Info("system event", zap.String("event", string(ev)))
}
