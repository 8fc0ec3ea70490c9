// Package config loads on-disk node configuration.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/tenzik-dev/tenzik-core/federation"
)

// NodeConfig is the YAML-serializable on-disk form of a node's
// configuration. It is translated into federation.NodeConfig once loaded;
// the signing key is never stored on disk here and is always generated or
// supplied out of band.
type NodeConfig struct {
	ListenAddr   string   `yaml:"listen_addr"`
	DBPath       string   `yaml:"db_path"`
	Name         string   `yaml:"name"`
	InitialPeers []string `yaml:"initial_peers"`

	ResourceProfile string `yaml:"resource_profile"`

	SyncIntervalMS     int `yaml:"sync_interval_ms"`
	MaxEventsPerSync   int `yaml:"max_events_per_sync"`
	PeerTimeoutMS      int `yaml:"peer_timeout_ms"`
	MaxConcurrentSyncs int `yaml:"max_concurrent_syncs"`
	PingIntervalMS     int `yaml:"ping_interval_ms"`
}

// Default returns the on-disk defaults, matching federation.DefaultNodeConfig.
func Default() NodeConfig {
	g := federation.DefaultGossipConfig()
	n := federation.DefaultNodeConfig()
	return NodeConfig{
		ListenAddr:         n.ListenAddr,
		DBPath:             n.DBPath,
		Name:               n.Name,
		ResourceProfile:    "default",
		SyncIntervalMS:     int(g.SyncInterval / time.Millisecond),
		MaxEventsPerSync:   g.MaxEventsPerSync,
		PeerTimeoutMS:      int(g.PeerTimeout / time.Millisecond),
		MaxConcurrentSyncs: g.MaxConcurrentSyncs,
		PingIntervalMS:     int(g.PingInterval / time.Millisecond),
	}
}

// Load reads and parses a YAML node configuration file. It does not touch
// the network or the filesystem beyond path itself; the caller owns
// wiring the result into a running node.
func Load(path string) (*NodeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config file")
	}
	return &cfg, nil
}

// ToFederationConfig translates the on-disk config into the
// federation.NodeConfig the runtime uses, leaving Signer nil so the caller
// generates or supplies one.
func (c NodeConfig) ToFederationConfig() federation.NodeConfig {
	return federation.NodeConfig{
		ListenAddr:   c.ListenAddr,
		DBPath:       c.DBPath,
		Name:         c.Name,
		InitialPeers: c.InitialPeers,
		Gossip: federation.GossipConfig{
			SyncInterval:       time.Duration(c.SyncIntervalMS) * time.Millisecond,
			MaxEventsPerSync:   c.MaxEventsPerSync,
			PeerTimeout:        time.Duration(c.PeerTimeoutMS) * time.Millisecond,
			MaxConcurrentSyncs: c.MaxConcurrentSyncs,
			PingInterval:       time.Duration(c.PingIntervalMS) * time.Millisecond,
		},
	}
}
