package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/familysync/corekit/core"
	"github.com/familysync/corekit/pkg/config"
)

// app bundles the collaborators every subcommand needs, built once in
// the root command's PersistentPreRunE the way the teacher's CLI wires
// its sync manager from viper-backed config.
type app struct {
	cfg    *config.Config
	store  *core.MemoryStore
	logger *logrus.Logger
	orch   *core.Orchestrator
}

// unconfiguredDialer reports that no transport has been wired. This
// module never dials a peer itself; the transport is an external
// collaborator supplied by whatever platform layer embeds this CLI.
type unconfiguredDialer struct{}

func (unconfiguredDialer) Dial(_ context.Context, deviceID string) (core.Transport, error) {
	return nil, fmt.Errorf("no transport configured for device %s; wire a core.Dialer before calling sync run", deviceID)
}

func newApp() (*app, error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	store := core.NewMemoryStore()

	orchCfg := core.OrchestratorConfig{
		ChunkAckTimeout:  time.Duration(cfg.Sync.ChunkTimeoutMS) * time.Millisecond,
		WallClockTimeout: time.Duration(cfg.Sync.WallClockTimeoutS) * time.Second,
		MaxChunkRetries:  cfg.Sync.MaxChunkRetries,
		MaxRetryAttempts: cfg.Sync.MaxRetryAttempts,
		Window:           cfg.Sync.Window,
		Resolution: core.ResolutionConfig{
			Global:                resolutionPreferenceFromString(cfg.Merge.Preference),
			PreserveDeletedFields: cfg.Merge.PreserveDeletedFields,
		},
	}

	metrics := core.NewMetrics()
	localID := cfg.Device.BluetoothIdentifier
	if localID == "" {
		localID = cfg.Device.ID
	}
	orch := core.NewOrchestrator(store, unconfiguredDialer{}, localID, orchCfg, metrics, logger)

	return &app{cfg: cfg, store: store, logger: logger, orch: orch}, nil
}

func resolutionPreferenceFromString(s string) core.ResolutionPreference {
	switch s {
	case "prefer_local":
		return core.PreferLocal
	case "prefer_remote":
		return core.PreferRemote
	case "merge_all":
		return core.PreferMergeAll
	case "latest":
		return core.PreferLatest
	default:
		return core.PreferManual
	}
}

// current holds the app built by the root command's PersistentPreRunE;
// subcommand RunE functions read it directly, mirroring the teacher
// CLI's package-level command/state wiring.
var current *app

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "familysync",
		Short: "Peer-to-peer family calendar sync",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			current = a
			return nil
		},
	}
	root.PersistentFlags().String("config", "", "path to a config file (bound to viper's \"config\" key; the loader does not read it and uses FAMILYSYNC_ENV and the default search paths)")
	_ = viper.BindPFlag("config", root.PersistentFlags().Lookup("config"))

	root.AddCommand(newSyncCmd())
	root.AddCommand(newDeviceCmd())
	return root
}
