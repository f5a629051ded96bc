// Package app builds the dependency graphs of both binaries.
//
// NewServer wires the relay hub from a Config. Configuration is layered
// with koanf: built-in defaults, then an optional YAML file, then UTTER_*
// environment variables (a double underscore separates sections, e.g.
// UTTER_TOKEN__SECRET), then command-line overrides. A Watcher re-reads
// the file on change and Server.Apply takes the settings that are safe to
// change at runtime: log level and maximum message size.
//
// NewWire wires an endpoint: its key, session and trust files under the
// home directory, the relay token client and the WebSocket dialer.
package app
