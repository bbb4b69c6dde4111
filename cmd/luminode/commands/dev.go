package commands

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/luminode/luminode/pkg/agent"
	"github.com/luminode/luminode/pkg/config"
	"github.com/luminode/luminode/pkg/runtime"
)

func newDevCommand() *cobra.Command {
	var (
		watchDir   string
		deviceID   string
		autoStart  bool
		passphrase string
	)

	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Run a sandboxed device with live program reload",
		Long: `Run a device agent on simulated hardware and an in-process bus, watching
a directory of program files. Saving a .star file loads it onto the sandbox
device; saving it again replaces it once the previous run finishes.`,
		Example: `  # Watch ./programs and auto-start on save
  luminode dev

  # Watch another directory without auto-start
  luminode dev --watch ./examples --auto-start=false`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Default()
			cfg.Device.ID = deviceID
			cfg.Transport.Mode = "loopback"
			cfg.Store.Path = filepath.Join(os.TempDir(), "luminode-dev.db")
			cfg.Store.Passphrase = passphrase
			cfg.Telemetry.Logging.Level = "debug"
			cfg.Telemetry.Logging.Format = "console"
			cfg.Telemetry.Metrics.Enabled = false

			a, err := agent.New(cfg, agent.Options{})
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			go func() {
				if err := watchPrograms(ctx, a, watchDir, autoStart); err != nil {
					log.Error().Err(err).Msg("Program watcher stopped")
				}
			}()

			log.Info().
				Str("device_id", deviceID).
				Str("watch", watchDir).
				Msg("Dev sandbox running, save .star files to load them")
			return a.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&watchDir, "watch", "w", "programs", "directory of program files to watch")
	cmd.Flags().StringVar(&deviceID, "device-id", "dev-device", "sandbox device id")
	cmd.Flags().BoolVar(&autoStart, "auto-start", true, "execute programs when saved")
	cmd.Flags().StringVar(&passphrase, "passphrase", "dev", "secure store passphrase")
	return cmd
}

// watchPrograms loads existing .star files, then reloads on every write.
func watchPrograms(ctx context.Context, a *agent.Agent, dir string, autoStart bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".star") {
			loadProgramFile(ctx, a, filepath.Join(dir, entry.Name()), autoStart)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return err
	}

	// Editors fire several events per save; a short settle window collapses
	// them into one reload.
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".star") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				pending[event.Name] = time.Now()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Watcher error")
		case now := <-ticker.C:
			for file, at := range pending {
				if now.Sub(at) < 300*time.Millisecond {
					continue
				}
				delete(pending, file)
				loadProgramFile(ctx, a, file, autoStart)
			}
		}
	}
}

// loadProgramFile pushes one file onto the sandbox device.
func loadProgramFile(ctx context.Context, a *agent.Agent, file string, autoStart bool) {
	data, err := os.ReadFile(file)
	if err != nil {
		log.Warn().Err(err).Str("file", file).Msg("Failed to read program")
		return
	}

	source := string(data)
	id := strings.TrimSuffix(filepath.Base(file), ".star")
	_, err = a.Manager.Load(ctx, runtime.Spec{
		ID:       id,
		Name:     id,
		Version:  time.Now().UTC().Format(time.RFC3339Nano),
		Source:   source,
		Checksum: runtime.Checksum(source),
	})
	if err != nil {
		log.Error().Err(err).Str("program", id).Msg("Load failed")
		return
	}
	log.Info().Str("program", id).Msg("Program loaded")

	if autoStart {
		if err := a.Handler.StartProgram(ctx, id); err != nil {
			log.Error().Err(err).Str("program", id).Msg("Start failed")
		}
	}
}
