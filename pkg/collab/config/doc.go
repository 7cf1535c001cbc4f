/*
Package config provides type-safe configuration extraction for the
collaboration stack.

# Overview

config wraps a map[string]any and provides typed accessor methods that
handle missing keys and type mismatches gracefully by returning default
values, plus builders that turn a loaded configuration into transport,
session, and hub options.

# Basic Usage

	cfg, err := config.FromFile("collab.yaml")
	if err != nil {
	    log.Fatal(err)
	}

	tr, err := transport.NewClient(cfg.TransportOptions())
	...
	s, err := session.New(tr, cfg.SessionOptions())

A collab.yaml might look like:

	endpoint_url: wss://collab.example.com/ws?workflow_id=wf-1
	heartbeat_interval: 30s
	max_reconnect_attempts: 10
	workflow_id: wf-1
	user_id: u-42
	user_name: Ada
	lock_timeout: 5s

# Type Coercion

Duration handles multiple input types:
  - string: parsed with time.ParseDuration ("30s", "1h30m")
  - int/float64: interpreted as seconds
  - time.Duration: used directly

All accessors return the default value if the key is missing or the
value cannot be converted to the requested type.

# Thread Safety

Config is safe for concurrent read access. The underlying map is not
modified after creation.
*/
package config
