package controlsystem

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

// SignalHost turns process signals into host events: SIGINT and SIGTERM
// become ProgramStatusStopping, SIGHUP becomes the "hangup" system event.
type SignalHost struct {
	logger *zap.Logger

	mu      sync.Mutex
	system  []func(SystemEvent)
	program []func(ProgramStatus)
	network []func(NetworkEvent)
}

var _ Host = (*SignalHost)(nil)

// NewSignalHost creates a host; call Run to start delivering signals.
func NewSignalHost(logger *zap.Logger) *SignalHost {
	return &SignalHost{logger: logger}
}

func (h *SignalHost) SubscribeSystemEvents(fn func(SystemEvent)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.system = append(h.system, fn)
	return nil
}

func (h *SignalHost) SubscribeProgramStatus(fn func(ProgramStatus)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.program = append(h.program, fn)
	return nil
}

// SubscribeNetworkEvents records fn. Signals carry no network events, so
// fn is only called through PublishNetwork.
func (h *SignalHost) SubscribeNetworkEvents(fn func(NetworkEvent)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.network = append(h.network, fn)
	return nil
}

// PublishNetwork delivers ev to the network handlers.
func (h *SignalHost) PublishNetwork(ev NetworkEvent) {
	h.mu.Lock()
	handlers := append(([]func(NetworkEvent))(nil), h.network...)
	h.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

// Run delivers signals until ctx is cancelled.
func (h *SignalHost) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigCh:
			h.logger.Info("received signal", zap.String("signal", sig.String()))
			h.dispatch(sig)
		}
	}
}

func (h *SignalHost) dispatch(sig os.Signal) {
	h.mu.Lock()
	system := append(([]func(SystemEvent))(nil), h.system...)
	program := append(([]func(ProgramStatus))(nil), h.program...)
	h.mu.Unlock()

	switch sig {
	case syscall.SIGHUP:
		for _, fn := range system {
			fn(SystemEvent("hangup"))
		}
	case syscall.SIGINT, syscall.SIGTERM:
		for _, fn := range program {
			fn(ProgramStatusStopping)
		}
	}
}
