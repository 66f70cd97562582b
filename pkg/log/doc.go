// Package log provides chatrelay's structured logging facade.
//
// # Overview
//
// Components log through the small Logger interface using typed Field values
// for structured context. The implementation is backed by log/slog through a
// bridge handler that feeds our own formatter and output pipeline, so output
// stays consistent regardless of which side emitted the record.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("relay"), log.Str("stream_id", id))
//	l.Info("client attached", log.Uint64("from", 0))
//
// # Configuration
//
// ApplyConfig builds a logger from a declarative Config (level, text or json
// format, optional redacted keys). RedirectStdLog routes the standard library
// logger, used by Pebble, into a Logger.
package log
