// Copyright 2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package domain

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/diffeo/go-dlm/dlm"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultPurgeInterval is how long a resource must sit unused
	// before a non-forced purge pass evicts it.
	DefaultPurgeInterval = 8 * time.Second

	// DefaultWorkerTimeout bounds how long the domain worker
	// sleeps when there is no work.
	DefaultWorkerTimeout = 4 * time.Second

	// DefaultMaxDirty is how many dirty resources the worker
	// processes before yielding.
	DefaultMaxDirty = 100

	// DefaultMessageTimeout bounds each messenger call made by the
	// worker.
	DefaultMessageTimeout = 30 * time.Second
)

// Config describes one lock domain on one node.  Zero-valued fields
// are filled in with defaults by New.
type Config struct {
	// Name is the lock domain's name.  It is carried in every
	// message to other nodes.
	Name string `mapstructure:"name"`

	// Node is this node's identifier.
	Node dlm.NodeID `mapstructure:"node"`

	// PurgeInterval is how long an unused resource stays in
	// memory before it is purged.
	PurgeInterval time.Duration `mapstructure:"purge_interval"`

	// WorkerTimeout is the longest the worker sleeps between
	// passes.
	WorkerTimeout time.Duration `mapstructure:"worker_timeout"`

	// MaxDirty is the dirty-list batch size per worker pass.
	MaxDirty int `mapstructure:"max_dirty"`

	// MessageTimeout bounds remote calls made on the worker's
	// behalf.
	MessageTimeout time.Duration `mapstructure:"message_timeout"`

	// Compatibility is the lock-mode compatibility table.  If
	// unset, uses dlm.StandardCompatibility.
	Compatibility dlm.Compatibility `mapstructure:"-"`

	// Messenger carries notifications and reference drops to other
	// nodes.  If unset, any attempt to reach a remote node fails.
	Messenger dlm.Messenger `mapstructure:"-"`

	// Membership classifies messenger errors.  If unset, uses
	// dlm.DefaultMembership.
	Membership dlm.Membership `mapstructure:"-"`

	// Clock is the time source.  Only test code should need to set
	// this.
	Clock clock.Clock `mapstructure:"-"`

	// Logger receives diagnostic output.  If unset, uses the
	// logrus standard logger.
	Logger logrus.FieldLogger `mapstructure:"-"`

	// InvariantHandler is called by the worker when it detects
	// corrupted state.  If unset, the domain aborts: the worker
	// stops and every later call returns dlm.ErrDomainAborted.
	InvariantHandler func(error) `mapstructure:"-"`
}

// setDefaults sets default values for any Config fields that are
// uninitialized.
func (c *Config) setDefaults() {
	if c.PurgeInterval == time.Duration(0) {
		c.PurgeInterval = DefaultPurgeInterval
	}
	if c.WorkerTimeout == time.Duration(0) {
		c.WorkerTimeout = DefaultWorkerTimeout
	}
	if c.MaxDirty == 0 {
		c.MaxDirty = DefaultMaxDirty
	}
	if c.MessageTimeout == time.Duration(0) {
		c.MessageTimeout = DefaultMessageTimeout
	}
	if c.Compatibility == nil {
		c.Compatibility = dlm.StandardCompatibility
	}
	if c.Messenger == nil {
		c.Messenger = noMessenger{}
	}
	if c.Membership == nil {
		c.Membership = dlm.DefaultMembership
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
}
