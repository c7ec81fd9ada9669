// Copyright 2015-2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package main

import (
	"errors"
	"io/ioutil"
	"time"

	"github.com/diffeo/go-dlm/dlm"
	"github.com/diffeo/go-dlm/domain"
	"github.com/diffeo/go-dlm/transport"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v2"
)

// Config is the daemon configuration.  It is read from a YAML file,
// and command-line flags override individual settings:
//
//     node: 1
//     http: ":5990"
//     log_level: debug
//     domains: [inodes, quota]
//     peers:
//       2: http://10.0.0.2:5990
//       3: http://10.0.0.3:5990
//     leave_timeout: 1m
//     domain:
//       purge_interval: 8s
//       max_dirty: 100
type Config struct {
	// Node is this node's number.  It must be nonzero.
	Node dlm.NodeID `mapstructure:"node"`

	// HTTP is the [ip]:port for the HTTP interface.
	HTTP string `mapstructure:"http"`

	// LogLevel is a logrus level name.
	LogLevel string `mapstructure:"log_level"`

	// Domains lists the lock domains to join.
	Domains []string `mapstructure:"domains"`

	// Peers maps other nodes' numbers to their root URLs.
	Peers map[dlm.NodeID]string `mapstructure:"peers"`

	// LeaveTimeout bounds how long shutdown waits for each domain
	// to drop its resources.
	LeaveTimeout time.Duration `mapstructure:"leave_timeout"`

	// MetricsInterval is how often domain summaries are exported.
	MetricsInterval time.Duration `mapstructure:"metrics_interval"`

	// Domain holds the tunables shared by every domain.
	Domain domain.Config `mapstructure:"domain"`
}

// defaultConfig is the configuration with no file and no flags.
func defaultConfig() Config {
	return Config{
		HTTP:            ":5990",
		LogLevel:        "info",
		LeaveTimeout:    time.Minute,
		MetricsInterval: 10 * time.Second,
	}
}

func loadConfigYaml(filename string) (map[string]interface{}, error) {
	var result map[string]interface{}
	var err error
	var bytes []byte
	bytes, err = ioutil.ReadFile(filename)
	if err == nil {
		err = yaml.Unmarshal(bytes, &result)
	}
	return result, err
}

// decodeConfig decodes a generic YAML map over cfg.  Durations may be
// written as strings like "8s".
func decodeConfig(raw map[string]interface{}, cfg *Config) error {
	config := mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           cfg,
	}
	decoder, err := mapstructure.NewDecoder(&config)
	if err == nil {
		err = decoder.Decode(raw)
	}
	return err
}

// validate checks settings that have no usable default.
func (cfg *Config) validate() error {
	if cfg.Node == 0 {
		return errors.New("a nonzero node number is required")
	}
	if len(cfg.Domains) == 0 {
		return errors.New("at least one domain is required")
	}
	return nil
}

// peerTable merges the configured peers with extra ones from the
// command line; the command line wins.
func (cfg *Config) peerTable(extra transport.Peers) (transport.Peers, error) {
	peers := transport.Peers{}
	for node, rawurl := range cfg.Peers {
		if err := peers.Add(node, rawurl); err != nil {
			return nil, err
		}
	}
	for node, u := range extra {
		peers[node] = u
	}
	return peers, nil
}

// domainConfig builds the configuration for one domain.
func (cfg *Config) domainConfig(name string, messenger dlm.Messenger) domain.Config {
	dc := cfg.Domain
	dc.Name = name
	dc.Node = cfg.Node
	dc.Messenger = messenger
	return dc
}
