// Package config loads palladium configuration.
//
// # Overview
//
// Configuration lives in one file, YAML by default or TOML when the name
// ends in .toml. Every field has a default, so a missing file is not an
// error for LoadOrDefault. ${VAR} references are expanded from the
// environment before parsing, and durations are written as Go duration
// strings ("30s", "2m").
//
// # File Location
//
//  1. PALLADIUM_CONFIG
//  2. $XDG_CONFIG_HOME/palladium/config.yaml
//  3. ~/.config/palladium/config.yaml
//
// # Example
//
//	server:
//	  url: "http://localhost:8000"
//	  request_timeout: "30s"
//
//	storage:
//	  driver: "sqlite"        # sqlite, sqlite3 (cgo), bolt, memory
//	  path: "~/.local/share/palladium/conversations.db"
//
//	stream:
//	  idle_timeout: "2m"
//	  fallback_text: "Error processing your message."
//	  max_record_size: 1048576
//
//	sends:
//	  dedupe_ttl: "10m"
//	  dedupe_size: 1000
//
//	gateway:
//	  http_addr: "localhost:8000"
//	  upload_dir: "./uploads"
//	  allowed_origins: ["http://localhost:5173"]
//
//	model:
//	  provider: "openai"      # openai or echo
//	  api_key: "${OPENAI_API_KEY}"
//	  name: "gpt-4o-mini"
//	  system_prompt: "You are a helpful assistant."
//
//	logging:
//	  level: "info"           # debug, info, warn, error
//	  format: "text"          # text or json
package config
