// Package integration holds end-to-end tests that run the catalog, the
// per-kind indices, the federator and the feed watcher together on disk.
package integration
