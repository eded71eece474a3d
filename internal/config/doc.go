// Package config handles configuration loading for the baton conductor.
//
// Configuration is loaded from YAML files with environment variable
// expansion. The package provides validation and sensible defaults; a
// missing file falls back to Default().
//
// Configuration values can reference environment variables:
//
//	auth:
//	  token_secret: ${BATON_TOKEN_SECRET}
//
// The ${VAR_NAME} form is expanded before parsing; unset variables expand
// to empty strings. Duration fields accept Go duration strings such as
// "30s" or "2m".
//
// Example file:
//
//	server:
//	  bind: 127.0.0.1
//	  port: 8420
//	data:
//	  dir: .baton
//	  session: sprint-12
//	agents:
//	  default_command: baton-agent
//	  max_agents: 8
//	  heartbeat_interval: 30s
//	  heartbeat_timeout: 90s
//	templates:
//	  - id: security-auditor
//	    name: Security Auditor
//	    capabilities: [security, code-review]
//	logging:
//	  level: info
//	  format: text
package config
