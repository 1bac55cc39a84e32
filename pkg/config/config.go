package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Storage StorageConfig `yaml:"storage"`
	System  SystemConfig  `yaml:"system"`
}

type StorageConfig struct {
	Path        string `yaml:"path"`
	SegmentSize uint32 `yaml:"segment_size"`
}

type SystemConfig struct {
	BloomSize      uint    `yaml:"bloom_size"`
	BloomFalseProb float64 `yaml:"bloom_false_prob"`
}

func Load(configPath string) (*Config, error) {
	cfg := &Config{
		Storage: StorageConfig{
			Path:        "segfs_data",
			SegmentSize: 1 << 20,
		},
		System: SystemConfig{
			BloomSize:      100000,
			BloomFalseProb: 0.01,
		},
	}

	if configPath == "" {
		for _, p := range []string{"configs/segfs.yaml", "segfs.yaml"} {
			data, err := os.ReadFile(p)
			if err == nil {
				if err := yaml.Unmarshal(data, cfg); err != nil {
					return cfg, err
				}
				applyStorageDefaults(cfg)
				return cfg, nil
			}
		}
		applyStorageDefaults(cfg)
		return cfg, nil // no file found: use defaults
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return cfg, err
	}

	applyStorageDefaults(cfg)
	return cfg, nil
}

func applyStorageDefaults(cfg *Config) {
	if cfg.Storage.SegmentSize == 0 {
		cfg.Storage.SegmentSize = 1 << 20
	}
	if cfg.System.BloomSize == 0 {
		cfg.System.BloomSize = 100000
	}
	if cfg.System.BloomFalseProb <= 0 || cfg.System.BloomFalseProb >= 1 {
		cfg.System.BloomFalseProb = 0.01
	}
}
