// Package preflight validates the host before the service opens its stores.
//
// The checks cover:
//   - write access to the index, catalog and feed directories
//   - free disk space under the index directory (minimum 100MB)
//   - the open file limit, since every kind keeps its own index open
//   - availability of the HTTP listen address
//
// Use the Checker type to run all validations:
//
//	checker := preflight.New(preflight.Targets{IndexDir: dir, Addr: ":8080"})
//	results := checker.RunAll(ctx)
//	if preflight.HasCriticalFailures(results) {
//	    // refuse to start
//	}
package preflight
