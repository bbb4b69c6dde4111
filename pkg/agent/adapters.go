package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/luminode/luminode/pkg/delivery"
	"github.com/luminode/luminode/pkg/runtime"
	"github.com/luminode/luminode/pkg/shadow"
	"github.com/luminode/luminode/pkg/stores"
	"github.com/luminode/luminode/pkg/telemetry"
)

// lifecycleAdapter drives the program manager on behalf of the shadow
// synchronizer and keeps the program archive in step, so desired-state loads
// survive a restart.
type lifecycleAdapter struct {
	manager *runtime.Manager
	archive *stores.SQLiteStore
	handler *delivery.Handler
	logger  *telemetry.Logger
}

var _ shadow.Lifecycle = (*lifecycleAdapter)(nil)

// LoadProgram implements shadow.Lifecycle.
func (a *lifecycleAdapter) LoadProgram(ctx context.Context, p shadow.DesiredProgram) error {
	if p.Checksum != "" {
		if actual := runtime.Checksum(p.Source); !strings.EqualFold(actual, p.Checksum) {
			return runtime.NewValidationError(
				fmt.Sprintf("checksum mismatch: expected %s, got %s", p.Checksum, actual), nil).
				WithProgram(p.ID).
				WithCode(runtime.ErrCodeChecksumMismatch)
		}
	}

	_, err := a.manager.Load(ctx, runtime.Spec{
		ID:       p.ID,
		Name:     p.Name,
		Version:  p.Version,
		Source:   p.Source,
		Checksum: p.Checksum,
	})
	if err != nil {
		return err
	}

	if a.archive != nil {
		archErr := a.archive.ArchiveProgram(ctx, &stores.ArchivedProgram{
			ID:        p.ID,
			Name:      p.Name,
			Version:   p.Version,
			Source:    p.Source,
			Checksum:  p.Checksum,
			AutoStart: p.AutoStart,
		})
		if archErr != nil {
			a.logger.WithError(archErr).WithProgramID(p.ID).Warn("failed to archive program")
		}
	}

	if p.AutoStart {
		return a.StartProgram(ctx, p.ID)
	}
	return nil
}

// StartProgram implements shadow.Lifecycle.
func (a *lifecycleAdapter) StartProgram(ctx context.Context, id string) error {
	return a.handler.StartProgram(ctx, id)
}

// StopProgram implements shadow.Lifecycle.
func (a *lifecycleAdapter) StopProgram(_ context.Context, id string) error {
	return a.manager.Stop(id)
}

// RemoveProgram implements shadow.Lifecycle.
func (a *lifecycleAdapter) RemoveProgram(ctx context.Context, id string) error {
	if err := a.manager.Remove(id); err != nil {
		return err
	}
	if a.archive != nil {
		if err := a.archive.DeleteProgram(ctx, id); err != nil {
			a.logger.WithError(err).WithProgramID(id).Debug("program not in archive")
		}
	}
	return nil
}
