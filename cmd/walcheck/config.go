package main

import (
	"os"
	"os/user"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// NOTE: Update etc/walcheck.yml after changing the structure below.

// Config represents a configuration for the binary process.
type Config struct {
	CheckIndexes bool   `yaml:"check-indexes"`
	MaxDepth     int    `yaml:"max-depth"`
	Exec         string `yaml:"exec"`

	Tracing struct {
		Path     string `yaml:"path"`
		MaxSize  int    `yaml:"max-size"`
		MaxCount int    `yaml:"max-count"`
		Compress bool   `yaml:"compress"`
	} `yaml:"tracing"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
}

// NewConfig returns a new instance of Config with defaults set.
func NewConfig() Config {
	var config Config
	config.Tracing.MaxSize = 64 // MB
	config.Tracing.MaxCount = 8
	return config
}

// configSearchPaths returns paths to search for the config file. It starts
// with the current directory, then home directory, if available. And finally
// it tries to read from the /etc directory.
func configSearchPaths() []string {
	a := []string{"walcheck.yml"}
	if u, _ := user.Current(); u != nil && u.HomeDir != "" {
		a = append(a, filepath.Join(u.HomeDir, "walcheck.yml"))
	}
	a = append(a, "/etc/walcheck.yml")
	return a
}

// ReadConfigFile unmarshals config from filename. If expandEnv is true then
// environment variables are expanded in the config.
func ReadConfigFile(config *Config, filename string, expandEnv bool) error {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	if expandEnv {
		buf = []byte(os.ExpandEnv(string(buf)))
	}

	return yaml.Unmarshal(buf, config)
}
