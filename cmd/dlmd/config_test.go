// Copyright 2017 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package main

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/diffeo/go-dlm/dlm"
	"github.com/diffeo/go-dlm/domain"
	"github.com/diffeo/go-dlm/transport"
	"github.com/stretchr/testify/assert"
)

const sampleYaml = `
node: 3
http: ":6000"
log_level: debug
domains: [inodes, quota]
peers:
  1: http://10.0.0.1:5990
  2: http://10.0.0.2:5990
leave_timeout: 30s
domain:
  purge_interval: 2s
  max_dirty: 10
`

func TestDecodeConfig(t *testing.T) {
	dir, err := ioutil.TempDir("", "dlmd")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "dlmd.yaml")
	if err := ioutil.WriteFile(path, []byte(sampleYaml), 0644); err != nil {
		t.Fatal(err)
	}

	raw, err := loadConfigYaml(path)
	if !assert.NoError(t, err) {
		return
	}
	cfg := defaultConfig()
	if !assert.NoError(t, decodeConfig(raw, &cfg)) {
		return
	}
	assert.Equal(t, dlm.NodeID(3), cfg.Node)
	assert.Equal(t, ":6000", cfg.HTTP)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"inodes", "quota"}, cfg.Domains)
	assert.Equal(t, map[dlm.NodeID]string{
		1: "http://10.0.0.1:5990",
		2: "http://10.0.0.2:5990",
	}, cfg.Peers)
	assert.Equal(t, 30*time.Second, cfg.LeaveTimeout)
	assert.Equal(t, 10*time.Second, cfg.MetricsInterval)
	assert.Equal(t, 2*time.Second, cfg.Domain.PurgeInterval)
	assert.Equal(t, 10, cfg.Domain.MaxDirty)
	assert.Equal(t, time.Duration(0), cfg.Domain.WorkerTimeout)
	assert.NoError(t, cfg.validate())
}

func TestValidateConfig(t *testing.T) {
	cfg := defaultConfig()
	assert.Error(t, cfg.validate())
	cfg.Node = 1
	assert.Error(t, cfg.validate())
	cfg.Domains = []string{"d"}
	assert.NoError(t, cfg.validate())
}

func TestPeerTable(t *testing.T) {
	cfg := defaultConfig()
	cfg.Peers = map[dlm.NodeID]string{
		1: "http://a:5990",
		2: "http://b:5990",
	}
	extra := transport.Peers{}
	assert.NoError(t, extra.Set("2=http://c:5990,4=http://d:5990"))

	peers, err := cfg.peerTable(extra)
	if assert.NoError(t, err) {
		assert.Equal(t, "1=http://a:5990,2=http://c:5990,4=http://d:5990", peers.String())
	}

	cfg.Peers[5] = "relative/path"
	_, err = cfg.peerTable(nil)
	assert.Error(t, err)
}

func TestDomainConfig(t *testing.T) {
	cfg := defaultConfig()
	cfg.Node = 7
	cfg.Domain.PurgeInterval = time.Second
	client := transport.NewClient(nil)

	dc := cfg.domainConfig("inodes", client)
	assert.Equal(t, "inodes", dc.Name)
	assert.Equal(t, dlm.NodeID(7), dc.Node)
	assert.Equal(t, time.Second, dc.PurgeInterval)
	assert.Equal(t, client, dc.Messenger)

	d := domain.New(dc)
	assert.Equal(t, "inodes", d.Name())
	assert.Equal(t, dlm.NodeID(7), d.Node())
}
