package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// DesyncPolicy selects how a detected board desynchronization is reconciled.
type DesyncPolicy string

const (
	// DesyncPrompt asks the user to restore the physical position.
	DesyncPrompt DesyncPolicy = "prompt"
	// DesyncTrustBoard accepts the board's reported position as ground truth.
	DesyncTrustBoard DesyncPolicy = "trust-board"
)

// Board families with an adapter implementation.
const (
	BoardDGT      = "dgt"
	BoardLoopback = "loopback"
)

type AppConfig struct {
	EnginePath    string
	EngineOptions map[string]string

	TutorPath    string
	TutorDepth   int
	TutorMultiPV int

	BoardFamily string // "dgt" or "loopback"
	BoardDevice string

	DesyncPolicy     DesyncPolicy
	QuiescenceWindow time.Duration
	StopTimeout      time.Duration

	TimeControl string // "minutes+increment", e.g. "5+0", "3+2"
	PonderMode  bool

	PGNDir       string
	RedisURL     string
	DatabaseURL  string
	UIListenAddr string
}

// profileFile is the optional YAML profile referenced by BOARDPILOT_PROFILE.
// It carries the settings that are awkward as single env values, engine
// options in particular.
type profileFile struct {
	Engine struct {
		Path    string            `yaml:"path"`
		Options map[string]string `yaml:"options"`
	} `yaml:"engine"`
	Tutor struct {
		Path    string `yaml:"path"`
		Depth   int    `yaml:"depth"`
		MultiPV int    `yaml:"multipv"`
	} `yaml:"tutor"`
	Board struct {
		Family string `yaml:"family"`
		Device string `yaml:"device"`
	} `yaml:"board"`
	DesyncPolicy string `yaml:"desync_policy"`
	TimeControl  string `yaml:"time_control"`
	Ponder       bool   `yaml:"ponder"`
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		EngineOptions:    map[string]string{},
		TutorDepth:       20,
		TutorMultiPV:     3,
		BoardFamily:      "dgt",
		DesyncPolicy:     DesyncPrompt,
		QuiescenceWindow: 400 * time.Millisecond,
		StopTimeout:      5 * time.Second,
		TimeControl:      "5+0",
		PGNDir:           "games",
		UIListenAddr:     ":8088",
	}

	if path := strings.TrimSpace(os.Getenv("BOARDPILOT_PROFILE")); path != "" {
		if err := applyProfile(cfg, path); err != nil {
			return nil, err
		}
	}

	if v := strings.TrimSpace(os.Getenv("ENGINE_PATH")); v != "" {
		cfg.EnginePath = v
	}
	if v := strings.TrimSpace(os.Getenv("TUTOR_PATH")); v != "" {
		cfg.TutorPath = v
	}
	if v := strings.TrimSpace(os.Getenv("TUTOR_DEPTH")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TutorDepth = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("TUTOR_MULTIPV")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TutorMultiPV = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("BOARD_FAMILY")); v != "" {
		cfg.BoardFamily = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("BOARD_DEVICE")); v != "" {
		cfg.BoardDevice = v
	}
	if v := strings.TrimSpace(os.Getenv("DESYNC_POLICY")); v != "" {
		cfg.DesyncPolicy = DesyncPolicy(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("QUIESCENCE_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.QuiescenceWindow = time.Duration(n) * time.Millisecond
		}
	}
	if v := strings.TrimSpace(os.Getenv("STOP_TIMEOUT_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.StopTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v := strings.TrimSpace(os.Getenv("TIME_CONTROL")); v != "" {
		cfg.TimeControl = v
	}
	if v := strings.TrimSpace(os.Getenv("PONDER")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.PonderMode = b
		}
	}
	if v := strings.TrimSpace(os.Getenv("PGN_DIR")); v != "" {
		cfg.PGNDir = v
	}
	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if v := strings.TrimSpace(os.Getenv("UI_LISTEN_ADDR")); v != "" {
		cfg.UIListenAddr = v
	}

	if cfg.EnginePath == "" {
		return nil, errors.New("ENGINE_PATH is required")
	}
	switch cfg.BoardFamily {
	case BoardDGT, BoardLoopback:
	default:
		return nil, fmt.Errorf("unsupported board family: %s", cfg.BoardFamily)
	}
	switch cfg.DesyncPolicy {
	case DesyncPrompt, DesyncTrustBoard:
	default:
		return nil, fmt.Errorf("unsupported desync policy: %s", cfg.DesyncPolicy)
	}
	if _, _, err := ParseTimeControl(cfg.TimeControl); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyProfile(cfg *AppConfig, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read profile: %w", err)
	}
	var pf profileFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return fmt.Errorf("parse profile: %w", err)
	}
	if pf.Engine.Path != "" {
		cfg.EnginePath = pf.Engine.Path
	}
	for k, v := range pf.Engine.Options {
		cfg.EngineOptions[k] = v
	}
	if pf.Tutor.Path != "" {
		cfg.TutorPath = pf.Tutor.Path
	}
	if pf.Tutor.Depth > 0 {
		cfg.TutorDepth = pf.Tutor.Depth
	}
	if pf.Tutor.MultiPV > 0 {
		cfg.TutorMultiPV = pf.Tutor.MultiPV
	}
	if pf.Board.Family != "" {
		cfg.BoardFamily = strings.ToLower(pf.Board.Family)
	}
	if pf.Board.Device != "" {
		cfg.BoardDevice = pf.Board.Device
	}
	if pf.DesyncPolicy != "" {
		cfg.DesyncPolicy = DesyncPolicy(strings.ToLower(pf.DesyncPolicy))
	}
	if pf.TimeControl != "" {
		cfg.TimeControl = pf.TimeControl
	}
	if pf.Ponder {
		cfg.PonderMode = true
	}
	return nil
}

// ParseTimeControl parses "minutes+increment" into base time and increment.
func ParseTimeControl(s string) (base, inc time.Duration, err error) {
	s = strings.TrimSpace(s)
	parts := strings.SplitN(s, "+", 2)
	mins, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || mins <= 0 {
		return 0, 0, fmt.Errorf("invalid time control %q", s)
	}
	secs := 0
	if len(parts) == 2 {
		secs, err = strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || secs < 0 {
			return 0, 0, fmt.Errorf("invalid time control %q", s)
		}
	}
	return time.Duration(mins) * time.Minute, time.Duration(secs) * time.Second, nil
}
