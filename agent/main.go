package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/oklog/run"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"collabtext/internal/config"
	"collabtext/internal/identity"
	"collabtext/internal/logging"
	"collabtext/internal/replica"
)

// options holds the persistent flags and what PersistentPreRunE builds
// from them.
type options struct {
	configPath string
	user       string
	room       string

	cfg    config.Config
	logger *zap.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	o := &options{}
	cmd := &cobra.Command{
		Use:          "collabtext",
		Short:        "Edit plain text together with people on your network",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(o.configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
			if err != nil {
				return err
			}
			o.cfg, o.logger = cfg, logger.With(zap.String("user", o.user))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = o.logger.Sync()
		},
	}
	f := cmd.PersistentFlags()
	f.StringVarP(&o.configPath, "config", "c", "", "YAML config file")
	f.StringVarP(&o.user, "user", "u", defaultUser(), "name shown to other users")
	f.StringVarP(&o.room, "room", "r", "notes", "room to host or join")

	cmd.AddCommand(newHostCmd(o), newJoinCmd(o), newDiscoverCmd())
	return cmd
}

func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "anonymous"
}

func (o *options) replicaConfig() replica.Config {
	return replica.Config{
		UserID:            identity.GenerateUserID(),
		UserName:          o.user,
		RoomName:          o.room,
		SnapshotThreshold: o.cfg.Session.SnapshotThreshold,
		Retention:         o.cfg.Relay.Retention,
		GapTimeout:        o.cfg.Session.GapTimeout,
		Presence:          o.cfg.Session.Presence(),
	}
}

// stopped maps a run.Group result to the command's: a signal is a normal
// way to stop.
func stopped(err error) error {
	var sig run.SignalError
	if errors.As(err, &sig) {
		return nil
	}
	return err
}
