// Package config loads server settings from defaults, an optional JSON file
// and environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/oarkflow/json"
	"github.com/pkg/errors"
)

// Settings is the full server configuration.
type Settings struct {
	// NodeName identifies this node in the cluster. Defaults to the
	// hostname.
	NodeName string `json:"node_name"`
	// Host and Port carry the HTTP API listener.
	Host string `json:"host"`
	Port int    `json:"port"`
	// RPCPort carries the peer-to-peer listener.
	RPCPort int `json:"rpc_port"`
	// Path is the data directory holding index snapshots.
	Path string `json:"path"`
	// LogLevel is a logrus level name.
	LogLevel string `json:"log_level"`
	// AutoCommitSecs commits pending writes on every hosted index at this
	// interval. Zero disables the watcher.
	AutoCommitSecs int `json:"auto_commit_duration"`
	// DrainTimeoutSecs bounds how long a drop waits for in-flight work.
	DrainTimeoutSecs int `json:"drain_timeout"`

	Cluster ClusterSettings `json:"cluster"`
	Ingest  IngestSettings  `json:"ingest"`
	Query   QuerySettings   `json:"query"`
}

// ClusterSettings configures gossip membership. Disabled means single-node.
type ClusterSettings struct {
	Enabled          bool   `json:"enabled"`
	BindAddr         string `json:"bind_addr"`
	BindPort         int    `json:"bind_port"`
	Join             string `json:"join"`
	PollIntervalSecs int    `json:"poll_interval"`
	SuspectAfter     int    `json:"suspect_after"`
	DepartGraceSecs  int    `json:"depart_grace"`
}

// IngestSettings configures batching and backpressure.
type IngestSettings struct {
	MaxBatchOps         int  `json:"max_batch_ops"`
	MaxBatchDelayMS     int  `json:"max_batch_delay_ms"`
	MaxInFlight         int  `json:"max_in_flight"`
	MaxInFlightPerIndex int  `json:"max_in_flight_per_index"`
	Blocking            bool `json:"blocking"`
}

// QuerySettings configures fan-out deadlines.
type QuerySettings struct {
	TargetTimeoutMS int `json:"target_timeout_ms"`
	GlobalTimeoutMS int `json:"global_timeout_ms"`
}

// Default returns the baseline settings.
func Default() Settings {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "searchd"
	}
	return Settings{
		NodeName:         hostname,
		Host:             "0.0.0.0",
		Port:             8080,
		RPCPort:          8081,
		Path:             "data",
		LogLevel:         "info",
		AutoCommitSecs:   0,
		DrainTimeoutSecs: 10,
		Ingest: IngestSettings{
			MaxBatchOps:         500,
			MaxBatchDelayMS:     1000,
			MaxInFlight:         8,
			MaxInFlightPerIndex: 2,
			Blocking:            true,
		},
		Query: QuerySettings{
			TargetTimeoutMS: 2000,
			GlobalTimeoutMS: 5000,
		},
	}
}

// Load builds settings from defaults, then the optional JSON file at path,
// then environment overrides.
func Load(path string) (Settings, error) {
	s := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return s, errors.Wrapf(err, "read config %s", path)
		}
		if err := json.Unmarshal(data, &s); err != nil {
			return s, errors.Wrapf(err, "parse config %s", path)
		}
	}
	s.applyEnv()
	return s, nil
}

func (s *Settings) applyEnv() {
	if v := os.Getenv("SEARCHD_NODE_NAME"); v != "" {
		s.NodeName = v
	}
	if v := os.Getenv("SEARCHD_HOST"); v != "" {
		s.Host = v
	}
	if v, ok := envInt("SEARCHD_PORT"); ok {
		s.Port = v
	}
	if v, ok := envInt("SEARCHD_RPC_PORT"); ok {
		s.RPCPort = v
	}
	if v := os.Getenv("SEARCHD_PATH"); v != "" {
		s.Path = v
	}
	if v := os.Getenv("SEARCHD_LOG_LEVEL"); v != "" {
		s.LogLevel = v
	}
	if v := os.Getenv("SEARCHD_CLUSTER_JOIN"); v != "" {
		s.Cluster.Enabled = true
		s.Cluster.Join = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// HTTPAddr is the listen address of the HTTP API.
func (s Settings) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RPCAddr is the listen address of the peer RPC server.
func (s Settings) RPCAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.RPCPort)
}

// AutoCommit returns the auto-commit interval, zero when disabled.
func (s Settings) AutoCommit() time.Duration {
	return time.Duration(s.AutoCommitSecs) * time.Second
}

// DrainTimeout returns the drop drain bound.
func (s Settings) DrainTimeout() time.Duration {
	return time.Duration(s.DrainTimeoutSecs) * time.Second
}

// BatchDelay returns the ingest batch time window.
func (s IngestSettings) BatchDelay() time.Duration {
	return time.Duration(s.MaxBatchDelayMS) * time.Millisecond
}

// TargetTimeout returns the per-dispatch query deadline.
func (s QuerySettings) TargetTimeout() time.Duration {
	return time.Duration(s.TargetTimeoutMS) * time.Millisecond
}

// GlobalTimeout returns the whole-query deadline.
func (s QuerySettings) GlobalTimeout() time.Duration {
	return time.Duration(s.GlobalTimeoutMS) * time.Millisecond
}

// PollInterval returns the membership reconciliation period.
func (s ClusterSettings) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSecs) * time.Second
}

// DepartGrace returns the suspect-to-departed grace window.
func (s ClusterSettings) DepartGrace() time.Duration {
	return time.Duration(s.DepartGraceSecs) * time.Second
}
