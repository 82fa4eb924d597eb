// Package config handles configuration loading for coven-council.
//
// # Configuration File
//
// Location, in order:
//
//  1. The --config flag
//  2. Path from COVEN_COUNCIL_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/coven/council.yaml (~/.config/coven/council.yaml)
//
// Files ending in .toml are parsed as TOML; anything else is YAML.
//
// # Environment Variable Expansion
//
// Values can reference environment variables with ${VAR_NAME}:
//
//	database:
//	  path: "${COVEN_DATA}/council.db"
//
// Unset variables expand to the empty string.
//
// # Example
//
//	database:
//	  driver: sqlite        # or sqlite3 for the cgo driver
//	  path: ~/.local/share/coven/council.db
//
//	protocol:
//	  validate_recipients: true
//	  send_timeout: "5s"
//	  handler_timeout: "30s"
//	  dedupe_ttl: "10m"
//	  dedupe_size: 10000
//
//	conversation:
//	  context_window: 10
//	  summary_sample: 100
//
//	meeting:
//	  broadcast_concurrency: 8
//
//	agents:
//	  - id: planner
//	    type: llm
//	  - id: coder
//
//	logging:
//	  level: info           # debug, info, warn, error
//	  format: text          # text or json
//
// Durations use time.ParseDuration syntax. Every field except database.path
// has a default.
package config
