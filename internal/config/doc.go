// Package config loads fmtbridge settings.
//
// Settings are read from three sources, later ones winning:
//
//  1. the user file (see DefaultUserFile)
//  2. .fmtbridge.toml in the workspace folder
//  3. the FMTBRIDGE_PATH and FMTBRIDGE_VERBOSE environment variables
//
// A file looks like:
//
//	path = "./node_modules/.bin/dprint"
//	verbose = true
//	shutdown_timeout = "1s"
//	restart_cooldown = "500ms"
//	max_restarts = 5
//
// An executable path set by the workspace file is flagged with
// PathFromWorkspace and needs approval before it is run.
package config
