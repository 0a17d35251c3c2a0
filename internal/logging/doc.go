// Package logging configures structured slog logging for vulnsearch.
//
// Logs are JSON records written to stderr and, when a file path is set, to a
// size-rotated file under ~/.vulnsearch/logs/. The --debug flag lowers the
// level to debug and always enables the file.
package logging
