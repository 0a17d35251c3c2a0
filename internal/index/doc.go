// Package index keeps the per-kind search indices in step with the
// authoritative record store.
//
// The Coordinator projects create, update, and delete notifications into the
// matching index. The Maintainer rebuilds indices from the authoritative
// Source, and the ConsistencyChecker finds and repairs drift between the two.
package index
