// Package firmware accepts firmware update intents from the desired shadow
// and drives the board-specific download. The actual flash and reboot are
// the board support package's job; this layer validates requests, keeps a
// single update in flight, and reports progress.
package firmware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/luminode/luminode/pkg/runtime"
	"github.com/luminode/luminode/pkg/telemetry"
)

// DefaultDownloadTimeout bounds one firmware download.
const DefaultDownloadTimeout = 10 * time.Minute

// State is the updater's current phase.
type State string

const (
	StateIdle        State = "idle"
	StateDownloading State = "downloading"
	StateDownloaded  State = "downloaded"
	StateFailed      State = "failed"
)

// Downloader fetches a firmware image. The board support package provides
// the real implementation.
type Downloader interface {
	Download(ctx context.Context, version, url string) error
}

// DownloaderFunc adapts a function to the Downloader interface.
type DownloaderFunc func(ctx context.Context, version, url string) error

// Download implements Downloader.
func (f DownloaderFunc) Download(ctx context.Context, version, url string) error {
	return f(ctx, version, url)
}

// Status is a snapshot of the updater.
type Status struct {
	State   State  `json:"state"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// DownloadTimeout bounds each download. Zero uses the default.
	DownloadTimeout time.Duration

	// CurrentVersion rejects updates to the version already running.
	CurrentVersion string

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Events  *telemetry.EventBus
}

// Manager serializes firmware updates: one download at a time, each bounded
// by the download timeout.
type Manager struct {
	downloader Downloader
	timeout    time.Duration
	current    string

	mu     sync.Mutex
	status Status
	busy   bool

	logger *telemetry.Logger
	events *telemetry.EventBus
}

// NewManager creates a firmware manager.
func NewManager(downloader Downloader, opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger, _ = telemetry.NewLogger(telemetry.LoggingConfig{Level: "info"})
	}
	timeout := opts.DownloadTimeout
	if timeout <= 0 {
		timeout = DefaultDownloadTimeout
	}
	return &Manager{
		downloader: downloader,
		timeout:    timeout,
		current:    opts.CurrentVersion,
		status:     Status{State: StateIdle},
		logger:     logger.NewComponentLogger("firmware"),
		events:     opts.Events,
	}
}

// RequestUpdate validates and starts a download. It returns once the
// download is admitted; progress is observable through Status. A request
// while a download is in flight is rejected.
func (m *Manager) RequestUpdate(ctx context.Context, version, url string) error {
	if version == "" {
		return runtime.NewValidationError("firmware version is required", nil)
	}
	if url == "" {
		return runtime.NewValidationError("firmware url is required", nil)
	}
	if version == m.current {
		m.logger.WithField("version", version).Debug("already on requested firmware version")
		return nil
	}

	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		return runtime.NewStateError(
			fmt.Sprintf("firmware update to %s already in progress", m.status.Version), nil)
	}
	m.busy = true
	m.status = Status{State: StateDownloading, Version: version}
	m.mu.Unlock()

	m.logger.WithField("version", version).Info("firmware download started")
	m.events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeFirmwareRequest,
		Source:  "firmware",
		Message: fmt.Sprintf("firmware download to %s started", version),
		Level:   telemetry.EventLevelInfo,
	})

	go m.download(version, url)
	return nil
}

// download runs the bounded fetch and records the outcome.
func (m *Manager) download(version, url string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	err := m.downloader.Download(ctx, version, url)

	m.mu.Lock()
	m.busy = false
	if err != nil {
		m.status = Status{State: StateFailed, Version: version, Error: err.Error()}
	} else {
		m.status = Status{State: StateDownloaded, Version: version}
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.WithError(err).WithField("version", version).Error("firmware download failed")
		return
	}
	m.logger.WithField("version", version).Info("firmware downloaded, pending install")
}

// Status returns the updater snapshot.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}
