// Package watcher imports record feeds dropped into a directory.
//
// A DirWatcher reports feed files (*.json at the top level of the directory)
// using fsnotify, or polling where fsnotify cannot be used. Events are
// debounced so a file is read once after its writer finishes. A
// FeedProcessor imports each file into the catalog and moves it to
// processed/ or failed/.
//
// Usage:
//
//	p, err := watcher.NewFeedProcessor(watcher.FeedConfig{Dir: dir, Importer: cat})
//	if err != nil {
//	    return err
//	}
//	return p.Run(ctx)
package watcher
