// Package workspace manages the formatter folders of an editor workspace.
//
// Every workspace root becomes a folder.Folder. Its formatter config file
// is the first of ConfigFileNames found in the root, or failing that the
// first found below it. Documents are routed to the deepest folder whose
// root contains them, so a nested config file takes precedence over the
// workspace root.
//
// Watch keeps the folders in sync with config files on disk.
package workspace
