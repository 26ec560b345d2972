package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Runtime string `yaml:"runtime"`
	Kernel  struct {
		Path string `yaml:"path"`
		Name string `yaml:"name"`
	} `yaml:"kernel"`
	Dispatch struct {
		Policy string `yaml:"policy"`
		Tile   int    `yaml:"tile"`
	} `yaml:"dispatch"`
	Logger struct {
		Level string `yaml:"level"`
	} `yaml:"logger"`
	Output struct {
		Format string `yaml:"format"`
	} `yaml:"output"`
	Server struct {
		Listen        string `yaml:"listen"`
		Flight        string `yaml:"flight"`
		Forward       string `yaml:"forward"`
		Dataset       string `yaml:"dataset"`
		MaxConcurrent int64  `yaml:"maxConcurrent"`

		// Request limits: body bytes, rows*cols of a product, datasets kept for DoPut.
		MaxBodyBytes      int64 `yaml:"maxBodyBytes"`
		MaxResultElements int64 `yaml:"maxResultElements"`
		MaxDatasets       int   `yaml:"maxDatasets"`
	} `yaml:"server"`
	Host struct {
		MemoryBytes int64 `yaml:"memoryBytes"`
		Workers     int   `yaml:"workers"`
	} `yaml:"host"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.Runtime == "" {
		c.Runtime = "auto"
	}
	if c.Kernel.Name == "" {
		c.Kernel.Name = "matmul"
	}
	if c.Dispatch.Policy == "" {
		c.Dispatch.Policy = "naive"
	}
	if c.Dispatch.Tile == 0 {
		c.Dispatch.Tile = 16
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Output.Format == "" {
		c.Output.Format = "text"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.Flight == "" {
		c.Server.Flight = ":8081"
	}
	if c.Server.Dataset == "" {
		c.Server.Dataset = "products"
	}
	if c.Server.MaxConcurrent == 0 {
		c.Server.MaxConcurrent = 4
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 64 << 20
	}
	if c.Server.MaxResultElements == 0 {
		c.Server.MaxResultElements = 1 << 24
	}
	if c.Server.MaxDatasets == 0 {
		c.Server.MaxDatasets = 256
	}
	if c.Host.MemoryBytes == 0 {
		c.Host.MemoryBytes = 1 << 30
	}
}

// Validate rejects values no component accepts.
func (c *Config) Validate() error {
	switch c.Runtime {
	case "auto", "host", "opencl":
	default:
		return fmt.Errorf("config: runtime %q must be auto, host or opencl", c.Runtime)
	}
	switch c.Dispatch.Policy {
	case "naive", "tiled":
	default:
		return fmt.Errorf("config: dispatch.policy %q must be naive or tiled", c.Dispatch.Policy)
	}
	if c.Dispatch.Tile < 1 {
		return fmt.Errorf("config: dispatch.tile must be positive, got %d", c.Dispatch.Tile)
	}
	switch c.Output.Format {
	case "text", "arrow", "cbor":
	default:
		return fmt.Errorf("config: output.format %q must be text, arrow or cbor", c.Output.Format)
	}
	if c.Server.MaxConcurrent < 1 {
		return fmt.Errorf("config: server.maxConcurrent must be positive, got %d", c.Server.MaxConcurrent)
	}
	if c.Server.MaxBodyBytes < 1 {
		return fmt.Errorf("config: server.maxBodyBytes must be positive, got %d", c.Server.MaxBodyBytes)
	}
	if c.Server.MaxResultElements < 1 {
		return fmt.Errorf("config: server.maxResultElements must be positive, got %d", c.Server.MaxResultElements)
	}
	if c.Server.MaxDatasets < 1 {
		return fmt.Errorf("config: server.maxDatasets must be positive, got %d", c.Server.MaxDatasets)
	}
	if c.Host.MemoryBytes < 0 {
		return fmt.Errorf("config: host.memoryBytes must not be negative")
	}
	if c.Host.Workers < 0 {
		return fmt.Errorf("config: host.workers must not be negative")
	}
	return nil
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}
