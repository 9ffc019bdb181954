package rpcserver

import (
	"encoding/json"
	"os"
	"runtime"
)

// Config controls how a Server listens, how many workers it spawns, and the
// buffer/compression/handshake knobs threaded down into every channel it
// opens. Zero-valued fields are replaced by withDefaults.
type Config struct {
	Listen      string `json:"listen"`
	Workers     int    `json:"workers"`
	Backlog     int    `json:"backlog"`
	MinBufSize  int    `json:"min-buf"`
	MaxBufSize  int    `json:"max-buf"`
	IOChunkSize int    `json:"io-chunk"`
	Compress    bool   `json:"compress"`
	WorkerKey   string `json:"worker-key"`
	Pprof       bool   `json:"pprof"`
	Log         string `json:"log"`

	// WorkerExecutable and WorkerArgs describe how to re-exec this same
	// binary into worker mode; they're set programmatically by cmd/aiorpc-server
	// rather than loaded from JSON or flags.
	WorkerExecutable string   `json:"-"`
	WorkerArgs       []string `json:"-"`
}

func (c Config) withDefaults() Config {
	if c.Listen == "" {
		c.Listen = ":9527"
	}
	if c.Workers <= 0 {
		c.Workers = 2 * runtime.NumCPU()
	}
	if c.Backlog <= 0 {
		c.Backlog = 1024
	}
	if c.MinBufSize <= 0 {
		c.MinBufSize = 128 << 10
	}
	if c.MaxBufSize <= 0 {
		c.MaxBufSize = 16 << 20
	}
	if c.IOChunkSize <= 0 {
		c.IOChunkSize = 32 << 10
	}
	if c.WorkerKey == "" {
		c.WorkerKey = "it's a secret"
	}
	return c
}

// ParseJSONConfig loads a JSON override file on top of an already
// flag-populated Config, mirroring the teacher's -c override: flags set the
// baseline, the JSON file (when given) wins for any field it sets.
func ParseJSONConfig(config *Config, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return json.NewDecoder(file).Decode(config)
}
