// Package config handles configuration loading for coven-fleet.
//
// # Overview
//
// Configuration is loaded from a YAML, TOML or JSONC file with environment
// variable expansion. The package applies defaults and validates the result
// before handing it to the process wiring.
//
// # Configuration File
//
// Locations, in order:
//
//  1. The --config flag
//  2. Path from the COVEN_FLEET_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/coven/fleet.yaml (or ~/.config/coven/fleet.yaml)
//
// The decoder is picked by extension: .toml uses TOML, .json and .jsonc
// allow comments and trailing commas, everything else is YAML.
//
// # Environment Variable Expansion
//
// Values can reference environment variables, including ones set in a .env
// file in the working directory:
//
//	ingest:
//	  token: "${COVEN_INGEST_TOKEN}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Durations use Go's time.ParseDuration syntax:
//
//	fleet:
//	  probe_timeout: "3s"
//	  probe_interval: "30s"
//
// # Targets
//
// Each entry of fleet.targets names a backend process, its probe kind
// (builtin, http, grpc, tcp, redis), an optional liveness metric, and an
// optional stop/start controller (service, http, exec):
//
//	fleet:
//	  targets:
//	    - id: web
//	      kind: http
//	      url: "http://web:3000/health"
//	      metric: {url: "http://web:3000/stats", path: "sessions.active"}
//	      control: {type: exec, stop: ["systemctl", "stop", "web"], start: ["systemctl", "start", "web"]}
package config
