// Package executable runs the formatter CLI: the version check, the
// editor-info query and the command line of the long-running editor
// service.
//
// The command is resolved once per Executable. A configured path wins;
// without one an npm install under node_modules/dprint in the folder or
// one of its ancestors is used, and finally dprint on PATH.
package executable
