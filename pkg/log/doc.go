// Package log provides the structured logging facade used across durastash.
//
// The package exposes a small leveled Logger interface with typed Field
// helpers, backed by the standard library slog. Construct a Logger once and
// pass it explicitly; components tag their lines with WithComponent.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormat(log.TextFormat),
//	)
//	l = l.WithComponent("groupstore")
//	l.Info("session initialized", log.Str("group", g), log.Str("session", s))
package log
