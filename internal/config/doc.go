// Package config handles configuration loading for widget-console.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Anything the file leaves out keeps the value from Defaults().
//
// # Configuration File
//
// Lookup order (see FindConfigPath):
//
//  1. The --config flag
//  2. Path from WIDGET_CONSOLE_CONFIG environment variable
//  3. ./console.yaml or ./console.toml
//  4. $XDG_CONFIG_HOME/widget-console/config.yaml (or ~/.config/...)
//
// When nothing is found the built-in defaults are used.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	backend:
//	  base_url: "${CONSOLE_BACKEND_URL}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	session:
//	  poll_interval: "10s"
//	  warning_threshold: "5m"
//
// # Configuration Sections
//
// Backend:
//
//	backend:
//	  base_url: "https://api.example.com"
//	  timeout: "10s"
//	  csrf_attempts: 2
//	  csrf_backoff: "250ms"
//	  endpoints:
//	    csrf: "/sanctum/csrf-cookie"
//	    login: "/api/login"
//	    user: "/api/user"
//	    refresh: "/api/refresh"
//
// Session clock and route guard:
//
//	session:
//	  poll_interval: "10s"
//	  warning_threshold: "5m"
//	  request_timeout: "15s"
//	guard:
//	  grace_window: "5s"
//	  max_attempts: 3
//	  refresh_every: "1s"
//
// Permission aliases (merged over the built-in table):
//
//	permissions:
//	  aliases:
//	    "manage widgets": ["manage_widgets", "edit_widgets"]
//
// Token storage:
//
//	store:
//	  driver: "file"     # memory, file, sqlite
//	  path: ""           # defaults to the user config dir for file
//
// Web console, logging and metrics:
//
//	web:
//	  addr: "127.0.0.1:8090"
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
