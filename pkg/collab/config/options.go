package config

import (
	"github.com/randalmurphal/collabgraph/pkg/collab/hub"
	"github.com/randalmurphal/collabgraph/pkg/collab/journal"
	"github.com/randalmurphal/collabgraph/pkg/collab/session"
	"github.com/randalmurphal/collabgraph/pkg/collab/transport"
)

// Configuration keys recognized by the option builders.
const (
	KeyEndpointURL           = "endpoint_url"
	KeyConnectTimeout        = "connect_timeout"
	KeyHeartbeatInterval     = "heartbeat_interval"
	KeyInitialReconnectDelay = "initial_reconnect_delay"
	KeyMaxReconnectDelay     = "max_reconnect_delay"
	KeyMaxReconnectAttempts  = "max_reconnect_attempts"

	KeyWorkflowID    = "workflow_id"
	KeyUserID        = "user_id"
	KeyUserName      = "user_name"
	KeyColor         = "color"
	KeyLockTimeout   = "lock_timeout"
	KeyBusBufferSize = "bus_buffer_size"

	KeyLockTTL     = "lock_ttl"
	KeyJournalPath = "journal_path"
)

// TransportOptions builds transport options from configuration.
// Missing keys fall back to the transport defaults.
func (c Config) TransportOptions() transport.Options {
	return transport.Options{
		URL:                   c.String(KeyEndpointURL, ""),
		ConnectTimeout:        c.Duration(KeyConnectTimeout, 0),
		HeartbeatInterval:     c.Duration(KeyHeartbeatInterval, 0),
		InitialReconnectDelay: c.Duration(KeyInitialReconnectDelay, 0),
		MaxReconnectDelay:     c.Duration(KeyMaxReconnectDelay, 0),
		MaxReconnectAttempts:  c.Int(KeyMaxReconnectAttempts, 0),
	}
}

// SessionOptions builds session options from configuration.
// Missing keys fall back to the session defaults.
func (c Config) SessionOptions() session.Options {
	return session.Options{
		WorkflowID:    c.String(KeyWorkflowID, ""),
		UserID:        c.String(KeyUserID, ""),
		UserName:      c.String(KeyUserName, ""),
		Color:         c.String(KeyColor, ""),
		LockTimeout:   c.Duration(KeyLockTimeout, 0),
		BusBufferSize: c.Int(KeyBusBufferSize, 0),
	}
}

// HubOptions builds hub options from configuration. When journal_path
// is set the hub persists change history to SQLite at that path;
// otherwise history is kept in memory.
func (c Config) HubOptions() (hub.Options, error) {
	opts := hub.Options{
		LockTTL: c.Duration(KeyLockTTL, 0),
	}
	if path := c.String(KeyJournalPath, ""); path != "" {
		store, err := journal.NewSQLiteStore(path)
		if err != nil {
			return hub.Options{}, err
		}
		opts.Journal = store
	}
	return opts, nil
}
