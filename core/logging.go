package core

import (
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"
)

var log = logging.Logger("haggle/core")

// noisy libp2p subsystems kept at warn unless debugging.
var quietSubsystems = []string{
	"swarm2", "basichost", "net/identify", "pubsub", "connmgr", "autonat", "nat", "relay",
}

// LogConfig selects the log level and an optional audit file.
type LogConfig struct {
	Level string
	File  string // empty logs to stderr only
}

// SetupLogging configures go-log for the whole process.
func SetupLogging(cfg LogConfig) error {
	level := cfg.Level
	if level == "" {
		level = "info"
	}
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		return xerrors.Errorf("parse log level %q: %w", level, err)
	}

	lc := logging.GetConfig()
	lc.Level = lvl
	lc.Format = logging.ColorizedOutput
	lc.Stderr = true
	if cfg.File != "" {
		lc.File = cfg.File
	}
	logging.SetupLogging(lc)

	if lvl > logging.LevelDebug {
		for _, s := range quietSubsystems {
			_ = logging.SetLogLevel(s, "warn")
		}
	}
	return nil
}
