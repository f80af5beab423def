package agg

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the aggregator process. Values are resolved
// in three layers: compiled defaults, then an optional YAML overrides file,
// then environment variables. Environment always wins.
type Config struct {
	WSURL           string // ledger push-stream endpoint
	GatewayURL      string // ledger HTTP API base URL
	MinioHandlerURL string // blob handler base URL
	ModelDir        string // local directory for weight files and snapshots
	StatusAddr      string // status server listen address ("" disables)

	MinThreshold     float64 // lower clamp for the acceptance threshold
	MaxThreshold     float64 // upper clamp for the acceptance threshold
	InitialThreshold float64 // threshold used while round history is empty
	HistorySize      int     // bound on round and participant histories
	AdjustmentRate   float64 // per-round threshold adjustment rate

	ReputationInit                    float64 // seed reputation for unknown participants
	ReputationMax                     float64
	ReputationMin                     float64
	ReputationReward                  float64 // base reward for accepted models
	ReputationPenalty                 float64 // base penalty for rejected models
	ReputationPenaltyNonParticipation float64

	RoundTimeout        time.Duration // deadline for partial participation
	DefaultParticipants []string      // expected submitters when a round publishes none

	SnapshotInterval time.Duration // period of the state snapshotter
	CleanupGrace     time.Duration // delay before a completed round is forgotten
}

// DefaultConfig returns the compiled defaults. These mirror the deployment
// environment the aggregator was built for, so a bare process comes up with
// sane behavior even with an empty environment.
func DefaultConfig() Config {
	return Config{
		WSURL:           "ws://hlf-gateway-aggregator:8890/ws",
		GatewayURL:      "http://hlf-gateway-aggregator:8890",
		MinioHandlerURL: "http://minio-handler:9002",
		ModelDir:        "/models",
		StatusAddr:      ":8085",

		MinThreshold:     0.5,
		MaxThreshold:     0.95,
		InitialThreshold: 0.75,
		HistorySize:      5,
		AdjustmentRate:   0.05,

		ReputationInit:                    0.5,
		ReputationMax:                     1.0,
		ReputationMin:                     0.1,
		ReputationReward:                  0.05,
		ReputationPenalty:                 0.1,
		ReputationPenaltyNonParticipation: 0.15,

		RoundTimeout:        3 * time.Minute,
		DefaultParticipants: []string{"dbs", "ing", "ocbc"},

		SnapshotInterval: 5 * time.Minute,
		CleanupGrace:     60 * time.Second,
	}
}

// yamlOverrides mirrors the env keys in lower-case. Pointer fields
// distinguish "absent" from "explicitly zero".
type yamlOverrides struct {
	WSURL           *string `yaml:"aggregator_ws_url"`
	GatewayURL      *string `yaml:"aggregator_gateway_url"`
	MinioHandlerURL *string `yaml:"minio_handler_url"`
	ModelDir        *string `yaml:"model_dir"`
	StatusAddr      *string `yaml:"status_addr"`

	MinThreshold     *float64 `yaml:"min_threshold"`
	MaxThreshold     *float64 `yaml:"max_threshold"`
	InitialThreshold *float64 `yaml:"initial_threshold"`
	HistorySize      *int     `yaml:"threshold_history_size"`
	AdjustmentRate   *float64 `yaml:"threshold_adjustment_rate"`

	ReputationInit                    *float64 `yaml:"reputation_init"`
	ReputationMax                     *float64 `yaml:"reputation_max"`
	ReputationMin                     *float64 `yaml:"reputation_min"`
	ReputationReward                  *float64 `yaml:"reputation_reward"`
	ReputationPenalty                 *float64 `yaml:"reputation_penalty"`
	ReputationPenaltyNonParticipation *float64 `yaml:"reputation_penalty_nonparticipation"`

	RoundTimeoutMinutes *int     `yaml:"round_timeout_minutes"`
	DefaultParticipants []string `yaml:"default_participants"`
}

// LoadConfig resolves the full configuration. configPath may be empty.
func LoadConfig(configPath string) (Config, error) {
	cfg := DefaultConfig()
	if configPath != "" {
		if err := cfg.applyYAML(configPath); err != nil {
			return cfg, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if cfg.MinThreshold > cfg.MaxThreshold {
		return cfg, fmt.Errorf("config: MIN_THRESHOLD %.4f exceeds MAX_THRESHOLD %.4f", cfg.MinThreshold, cfg.MaxThreshold)
	}
	if cfg.ReputationMin > cfg.ReputationMax {
		return cfg, fmt.Errorf("config: REPUTATION_MIN %.4f exceeds REPUTATION_MAX %.4f", cfg.ReputationMin, cfg.ReputationMax)
	}
	return cfg, nil
}

func (c *Config) applyYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var ov yamlOverrides
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	setString(&c.WSURL, ov.WSURL)
	setString(&c.GatewayURL, ov.GatewayURL)
	setString(&c.MinioHandlerURL, ov.MinioHandlerURL)
	setString(&c.ModelDir, ov.ModelDir)
	setString(&c.StatusAddr, ov.StatusAddr)
	setFloat(&c.MinThreshold, ov.MinThreshold)
	setFloat(&c.MaxThreshold, ov.MaxThreshold)
	setFloat(&c.InitialThreshold, ov.InitialThreshold)
	setInt(&c.HistorySize, ov.HistorySize)
	setFloat(&c.AdjustmentRate, ov.AdjustmentRate)
	setFloat(&c.ReputationInit, ov.ReputationInit)
	setFloat(&c.ReputationMax, ov.ReputationMax)
	setFloat(&c.ReputationMin, ov.ReputationMin)
	setFloat(&c.ReputationReward, ov.ReputationReward)
	setFloat(&c.ReputationPenalty, ov.ReputationPenalty)
	setFloat(&c.ReputationPenaltyNonParticipation, ov.ReputationPenaltyNonParticipation)
	if ov.RoundTimeoutMinutes != nil {
		c.RoundTimeout = time.Duration(*ov.RoundTimeoutMinutes) * time.Minute
	}
	if len(ov.DefaultParticipants) > 0 {
		c.DefaultParticipants = ov.DefaultParticipants
	}
	return nil
}

func (c *Config) applyEnv() error {
	envString(&c.WSURL, "AGGREGATOR_WS_URL")
	envString(&c.GatewayURL, "AGGREGATOR_GATEWAY_URL")
	envString(&c.MinioHandlerURL, "MINIO_HANDLER_URL")
	envString(&c.ModelDir, "MODEL_DIR")
	envString(&c.StatusAddr, "STATUS_ADDR")

	var err error
	err = firstErr(err, envFloat(&c.MinThreshold, "MIN_THRESHOLD"))
	err = firstErr(err, envFloat(&c.MaxThreshold, "MAX_THRESHOLD"))
	err = firstErr(err, envFloat(&c.InitialThreshold, "INITIAL_THRESHOLD"))
	err = firstErr(err, envInt(&c.HistorySize, "THRESHOLD_HISTORY_SIZE"))
	err = firstErr(err, envFloat(&c.AdjustmentRate, "THRESHOLD_ADJUSTMENT_RATE"))
	err = firstErr(err, envFloat(&c.ReputationInit, "REPUTATION_INIT"))
	err = firstErr(err, envFloat(&c.ReputationMax, "REPUTATION_MAX"))
	err = firstErr(err, envFloat(&c.ReputationMin, "REPUTATION_MIN"))
	err = firstErr(err, envFloat(&c.ReputationReward, "REPUTATION_REWARD"))
	err = firstErr(err, envFloat(&c.ReputationPenalty, "REPUTATION_PENALTY"))
	err = firstErr(err, envFloat(&c.ReputationPenaltyNonParticipation, "REPUTATION_PENALTY_NONPARTICIPATION"))

	if raw, ok := os.LookupEnv("ROUND_TIMEOUT_MINUTES"); ok {
		minutes, perr := strconv.Atoi(raw)
		if perr != nil {
			err = firstErr(err, fmt.Errorf("config: ROUND_TIMEOUT_MINUTES=%q: %w", raw, perr))
		} else {
			c.RoundTimeout = time.Duration(minutes) * time.Minute
		}
	}
	if raw, ok := os.LookupEnv("DEFAULT_PARTICIPANTS"); ok {
		var parts []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		c.DefaultParticipants = parts
	}
	return err
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setFloat(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envFloat(dst *float64, key string) error {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("config: %s=%q: %w", key, raw, err)
	}
	*dst = v
	return nil
}

func envInt(dst *int, key string) error {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("config: %s=%q: %w", key, raw, err)
	}
	*dst = v
	return nil
}

func firstErr(a, b error) error {
	if a != nil {
		return a
	}
	return b
}
