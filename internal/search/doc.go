// Package search parses free-text queries, runs them against one kind's
// index, and federates them across kinds into a single grouped response.
package search
