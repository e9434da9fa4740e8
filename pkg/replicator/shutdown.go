package replicator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// stopper is what the shutdown handler stops after the hooks ran
type stopper interface {
	Stop(ctx context.Context) error
}

// ShutdownHandler manages graceful shutdown of the service
type ShutdownHandler struct {
	service         stopper
	logger          *logrus.Logger
	shutdownTimeout time.Duration
	signals         []os.Signal
	hooks           []ShutdownHook
	mu              sync.RWMutex
	isShuttingDown  bool
}

// ShutdownHook represents a function to call during shutdown
type ShutdownHook struct {
	Name     string
	Priority int // Lower numbers execute first
	Timeout  time.Duration
	Fn       func(ctx context.Context) error
}

// ShutdownHandlerOptions configures the shutdown handler
type ShutdownHandlerOptions struct {
	Service         stopper
	Logger          *logrus.Logger
	ShutdownTimeout time.Duration
	Signals         []os.Signal
}

func NewShutdownHandler(opts ShutdownHandlerOptions) *ShutdownHandler {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	if opts.Signals == nil {
		opts.Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT}
	}

	return &ShutdownHandler{
		service:         opts.Service,
		logger:          opts.Logger,
		shutdownTimeout: opts.ShutdownTimeout,
		signals:         opts.Signals,
	}
}

// AddHook adds a hook run before the service is stopped
func (sh *ShutdownHandler) AddHook(hook ShutdownHook) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if hook.Timeout == 0 {
		hook.Timeout = 10 * time.Second
	}
	sh.hooks = append(sh.hooks, hook)
	sort.SliceStable(sh.hooks, func(i, j int) bool { return sh.hooks[i].Priority < sh.hooks[j].Priority })

	sh.logger.WithFields(logrus.Fields{
		"hook":     hook.Name,
		"priority": hook.Priority,
		"timeout":  hook.Timeout,
	}).Debug("Added shutdown hook")
}

// Wait blocks until a shutdown signal arrives or ctx ends, then shuts down
func (sh *ShutdownHandler) Wait(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, sh.signals...)
	defer signal.Stop(sigChan)

	sh.logger.WithField("signals", sh.signals).Info("Waiting for shutdown signal")
	select {
	case sig := <-sigChan:
		sh.logger.WithField("signal", sig).Info("Received shutdown signal")
	case <-ctx.Done():
		sh.logger.Info("Context done, shutting down")
	}
	return sh.Shutdown()
}

// Shutdown runs the hooks and then stops the service
func (sh *ShutdownHandler) Shutdown() error {
	sh.mu.Lock()
	if sh.isShuttingDown {
		sh.mu.Unlock()
		return fmt.Errorf("shutdown already in progress")
	}
	sh.isShuttingDown = true
	sh.mu.Unlock()

	sh.logger.Info("Starting graceful shutdown")
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), sh.shutdownTimeout)
	defer cancel()

	var errs []error
	if err := sh.executeHooks(ctx); err != nil {
		sh.logger.WithError(err).Error("Some shutdown hooks failed")
		errs = append(errs, err)
	}
	if sh.service != nil {
		if err := sh.service.Stop(ctx); err != nil {
			sh.logger.WithError(err).Error("Failed to stop main service")
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	entry := sh.logger.WithField("duration", time.Since(startTime))
	if err != nil {
		entry.WithError(err).Error("Graceful shutdown completed with errors")
	} else {
		entry.Info("Graceful shutdown completed successfully")
	}
	return err
}

func (sh *ShutdownHandler) executeHooks(ctx context.Context) error {
	sh.mu.RLock()
	hooks := make([]ShutdownHook, len(sh.hooks))
	copy(hooks, sh.hooks)
	sh.mu.RUnlock()

	var errs []error
	for _, hook := range hooks {
		hookCtx, hookCancel := context.WithTimeout(ctx, hook.Timeout)
		err := hook.Fn(hookCtx)
		hookCancel()

		if err != nil {
			sh.logger.WithError(err).WithField("hook", hook.Name).Error("Shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s failed: %w", hook.Name, err))
		}
	}
	return errors.Join(errs...)
}

// IsShuttingDown returns true if shutdown is in progress
func (sh *ShutdownHandler) IsShuttingDown() bool {
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.isShuttingDown
}

// GetHooks returns a copy of all registered hooks
func (sh *ShutdownHandler) GetHooks() []ShutdownHook {
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	hooks := make([]ShutdownHook, len(sh.hooks))
	copy(hooks, sh.hooks)
	return hooks
}
