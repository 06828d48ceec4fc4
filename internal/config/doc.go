// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for rigchat.
//
// Configuration is read from a TOML file, then environment overrides are
// applied, then missing values are filled from defaults and the result is
// validated.
//
// Configuration file locations (in order of precedence):
//   - the path passed with --config
//   - $RIGCHAT_CONFIG
//   - ./rigchat.toml
//   - built-in defaults
//
// Example file:
//
//	[server]
//	addr = ":8080"
//	mode = "production"
//
//	[security]
//	encryption_key = "<64 hex chars>"
//	session_secret = "<random string>"
//
//	[ratelimit]
//	backend = "redis"
//	redis_url = "redis://localhost:6379/0"
//	# or: backend = "bolt" with bolt_path = "/var/lib/rigchat/ratelimit.db"
//
//	[ratelimit.rules.chat]
//	tokens = 20
//	window = "1m"
package config
