// Package config loads store configuration: defaults, then an optional
// YAML/JSON file, then MEMRAG_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rcliao/memrag/internal/model"
)

// TierCaps holds the per-tier capacity limits.
type TierCaps struct {
	Core     int `yaml:"core" json:"core"`
	Semantic int `yaml:"semantic" json:"semantic"`
	Episodic int `yaml:"episodic" json:"episodic"`
	Working  int `yaml:"working" json:"working"`
}

// Of returns the cap for tier t.
func (c TierCaps) Of(t model.Tier) int {
	switch t {
	case model.TierCore:
		return c.Core
	case model.TierSemantic:
		return c.Semantic
	case model.TierEpisodic:
		return c.Episodic
	case model.TierWorking:
		return c.Working
	}
	return 0
}

// Config is the full store configuration.
type Config struct {
	Root string `yaml:"root" json:"root"`

	Dim              int           `yaml:"dim" json:"dim"`
	DecayTauSeconds  float64       `yaml:"decay_tau_seconds" json:"decay_tau_seconds"`
	UseBoostBeta     float64       `yaml:"use_boost_beta" json:"use_boost_beta"`
	CoreDecayFloor   float64       `yaml:"core_decay_floor" json:"core_decay_floor"`
	TierCaps         TierCaps      `yaml:"tier_caps" json:"tier_caps"`
	ChunkWords       int           `yaml:"chunk_words" json:"chunk_words"`
	ChunkOverlap     int           `yaml:"chunk_overlap" json:"chunk_overlap"`
	NList            int           `yaml:"nlist" json:"nlist"`
	NProbe           int           `yaml:"nprobe" json:"nprobe"`
	TrainThreshold   int           `yaml:"train_threshold" json:"train_threshold"`
	MaxContextChars  int           `yaml:"max_context_chars" json:"max_context_chars"`
	ContextSlots     int           `yaml:"context_slots" json:"context_slots"`
	MaxAgeDays       float64       `yaml:"max_age_days" json:"max_age_days"`
	ImportanceFloor  float64       `yaml:"importance_floor" json:"importance_floor"`
	ClusterThreshold float64       `yaml:"cluster_threshold" json:"cluster_threshold"`
	EmbedTimeout     time.Duration `yaml:"embed_timeout" json:"embed_timeout"`

	EmbedProvider   string  `yaml:"embed_provider" json:"embed_provider"`
	EmbedModel      string  `yaml:"embed_model" json:"embed_model"`
	EmbedURL        string  `yaml:"embed_url" json:"embed_url"`
	EmbedCacheSize  int     `yaml:"embed_cache_size" json:"embed_cache_size"`
	EmbedRatePerSec float64 `yaml:"embed_rate_per_sec" json:"embed_rate_per_sec"`

	LogLevel string `yaml:"log_level" json:"log_level"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		Root:             defaultRoot(),
		Dim:              384,
		DecayTauSeconds:  86400,
		UseBoostBeta:     0.05,
		CoreDecayFloor:   0.5,
		TierCaps:         TierCaps{Core: 100, Semantic: 10000, Episodic: 5000, Working: 50},
		ChunkWords:       512,
		ChunkOverlap:     50,
		NList:            100,
		NProbe:           10,
		TrainThreshold:   10000,
		MaxContextChars:  8000,
		ContextSlots:     12,
		MaxAgeDays:       30,
		ImportanceFloor:  0.2,
		ClusterThreshold: 0.75,
		EmbedTimeout:     30 * time.Second,
		EmbedCacheSize:   4096,
		LogLevel:         "warn",
	}
}

func defaultRoot() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".memrag")
}

// Load returns defaults overlaid with the file at path (if non-empty) and the
// environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		// yaml.v3 also parses JSON documents.
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// applyEnv overlays MEMRAG_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup("MEMRAG_" + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		if v, ok := lookup("MEMRAG_" + key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("MEMRAG_%s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}
	flt := func(key string, dst *float64) error {
		if v, ok := lookup("MEMRAG_" + key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("MEMRAG_%s: %w", key, err)
			}
			*dst = f
		}
		return nil
	}

	str("ROOT", &c.Root)
	str("EMBED_PROVIDER", &c.EmbedProvider)
	str("EMBED_MODEL", &c.EmbedModel)
	str("EMBED_URL", &c.EmbedURL)
	str("LOG_LEVEL", &c.LogLevel)
	if v, ok := lookup("MEMRAG_EMBED_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("MEMRAG_EMBED_TIMEOUT: %w", err)
		}
		c.EmbedTimeout = d
	}
	for key, dst := range map[string]*int{
		"DIM":               &c.Dim,
		"CHUNK_WORDS":       &c.ChunkWords,
		"CHUNK_OVERLAP":     &c.ChunkOverlap,
		"NLIST":             &c.NList,
		"NPROBE":            &c.NProbe,
		"TRAIN_THRESHOLD":   &c.TrainThreshold,
		"MAX_CONTEXT_CHARS": &c.MaxContextChars,
		"EMBED_CACHE_SIZE":  &c.EmbedCacheSize,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*float64{
		"DECAY_TAU_SECONDS":  &c.DecayTauSeconds,
		"USE_BOOST_BETA":     &c.UseBoostBeta,
		"MAX_AGE_DAYS":       &c.MaxAgeDays,
		"IMPORTANCE_FLOOR":   &c.ImportanceFloor,
		"CLUSTER_THRESHOLD":  &c.ClusterThreshold,
		"EMBED_RATE_PER_SEC": &c.EmbedRatePerSec,
	} {
		if err := flt(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks ranges and relationships between fields.
func (c Config) Validate() error {
	var problems []string
	if c.Root == "" {
		problems = append(problems, "root is required")
	}
	if c.Dim <= 0 {
		problems = append(problems, "dim must be positive")
	}
	if c.DecayTauSeconds <= 0 {
		problems = append(problems, "decay_tau_seconds must be positive")
	}
	if c.UseBoostBeta < 0 {
		problems = append(problems, "use_boost_beta must not be negative")
	}
	if c.ImportanceFloor < 0 || c.ImportanceFloor > 1 {
		problems = append(problems, "importance_floor must be in [0,1]")
	}
	if c.CoreDecayFloor < 0 || c.CoreDecayFloor > 1 {
		problems = append(problems, "core_decay_floor must be in [0,1]")
	}
	for _, t := range model.Tiers {
		if c.TierCaps.Of(t) <= 0 {
			problems = append(problems, fmt.Sprintf("tier_caps.%s must be positive", t))
		}
	}
	if c.ChunkWords <= 0 {
		problems = append(problems, "chunk_words must be positive")
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkWords {
		problems = append(problems, "chunk_overlap must be in [0, chunk_words)")
	}
	if c.NList <= 0 || c.NProbe <= 0 {
		problems = append(problems, "nlist and nprobe must be positive")
	}
	if c.TrainThreshold <= 0 {
		problems = append(problems, "train_threshold must be positive")
	}
	if c.MaxContextChars <= 0 || c.ContextSlots <= 0 {
		problems = append(problems, "max_context_chars and context_slots must be positive")
	}
	if c.ClusterThreshold <= 0 || c.ClusterThreshold > 1 {
		problems = append(problems, "cluster_threshold must be in (0,1]")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// MaxAge returns MaxAgeDays as a duration.
func (c Config) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeDays * 24 * float64(time.Hour))
}

// DecayTau returns DecayTauSeconds as a duration.
func (c Config) DecayTau() time.Duration {
	return time.Duration(c.DecayTauSeconds * float64(time.Second))
}
