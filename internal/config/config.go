// Package config loads STaRS node configuration, generalizing the
// global mutable tunables the original implementation used
// (Z::numPieces, ClusteringList::distVectorSize, Summary::numClusters,
// ...) into an explicit struct constructed once per node and threaded
// into every operation that needs it (see spec §9 "Global mutable
// tunables"). Structure and loading follow
// ollama-distributed/internal/config/config.go's nested
// struct-of-structs-with-yaml-tags style, backed by
// github.com/spf13/viper.
package config

import (
	"fmt"
	"math"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete tunable surface of a STaRS node's core.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Zfunc   ZConfig       `yaml:"zfunc"`
	Dfunc   DConfig       `yaml:"dfunc"`
	Cluster ClusterConfig `yaml:"cluster"`
	FSP     FSPConfig     `yaml:"fsp"`
	Logging LoggingConfig `yaml:"logging"`
}

// NodeConfig identifies this node within the overlay.
type NodeConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// ZConfig binds the Z-function algebra's tunables (spec §6).
type ZConfig struct {
	// MinA is the minimum task length (spec MIN_A, default 1000).
	MinA float64 `yaml:"min_a"`
	// NumPieces is the target piece count for reduceMax (default 10).
	NumPieces int `yaml:"num_pieces"`
	// ReductionQuality bounds the beam width during reduceMax
	// (default 10).
	ReductionQuality int `yaml:"reduction_quality"`
	// Epsilon is the relative tolerance used by min/max/reduce
	// invariant checks and by the NumericDomain clamp policy
	// (default 0.001, per spec §3/§7/§9).
	Epsilon float64 `yaml:"epsilon"`
}

// DConfig binds the D-function algebra's tunables.
type DConfig struct {
	NumPieces int     `yaml:"num_pieces"`
	Epsilon   float64 `yaml:"epsilon"`
}

// ClusterConfig binds the clustering aggregator's tunables.
type ClusterConfig struct {
	// NumClusters bounds a Summary's cluster count after reduce
	// (Summary::numClusters).
	NumClusters int `yaml:"num_clusters"`
	// DistVectorSize binds ClusteringList::distVectorSize: the beam
	// width of each clusterize pass, which scores at most
	// DistVectorSize² (i, j) pairs; pairs the coarse grid marks far
	// are skipped before scoring.
	DistVectorSize int `yaml:"dist_vector_size"`
}

// GridCellsMD returns the coarse grid's cell count per axis when
// clustering on memory+disk only (k=2 per spec §4.4).
func (c ClusterConfig) GridCellsMD() int {
	return int(math.Floor(math.Pow(float64(c.NumClusters), 1.0/2.0)))
}

// GridCellsMDZ returns the coarse grid's cell count per axis when
// clustering on memory+disk+slowness (k=3 per spec §4.4).
func (c ClusterConfig) GridCellsMDZ() int {
	return int(math.Floor(math.Pow(float64(c.NumClusters), 1.0/3.0)))
}

// FSPConfig binds the local scheduler's tunables.
type FSPConfig struct {
	RescheduleTimeout time.Duration `yaml:"reschedule_timeout"`
}

// LoggingConfig binds the logging sink.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration with every default named in spec
// §6 Tunables, mirroring the teacher's DefaultConfig() constructor
// (adapted from env-var lookups to a plain literal, since the core has
// no deployment environment of its own).
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:   "",
			Name: "stars-node",
		},
		Zfunc: ZConfig{
			MinA:             1000,
			NumPieces:        10,
			ReductionQuality: 10,
			Epsilon:          0.001,
		},
		Dfunc: DConfig{
			NumPieces: 10,
			Epsilon:   0.001,
		},
		Cluster: ClusterConfig{
			NumClusters:    25,
			DistVectorSize: 64,
		},
		FSP: FSPConfig{
			RescheduleTimeout: 600 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads a YAML configuration file at path, merging it over
// Default(). An empty path returns Default() unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports whether cfg's values are usable, mirroring the
// teacher's internal/config/validation.go pass over a loaded config.
func Validate(cfg *Config) error {
	if cfg.Zfunc.MinA <= 0 {
		return fmt.Errorf("config: zfunc.min_a must be positive, got %v", cfg.Zfunc.MinA)
	}
	if cfg.Zfunc.NumPieces < 1 {
		return fmt.Errorf("config: zfunc.num_pieces must be >= 1, got %d", cfg.Zfunc.NumPieces)
	}
	if cfg.Cluster.NumClusters < 1 {
		return fmt.Errorf("config: cluster.num_clusters must be >= 1, got %d", cfg.Cluster.NumClusters)
	}
	if cfg.FSP.RescheduleTimeout <= 0 {
		return fmt.Errorf("config: fsp.reschedule_timeout must be positive, got %v", cfg.FSP.RescheduleTimeout)
	}
	return nil
}
