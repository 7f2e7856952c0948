// Package logger provides slog attribute helpers shared across the channel
// layer backends. Helpers are nil-safe: Error(nil) and Channel("") return
// an empty Attr that slog drops, so call sites stay free of conditionals.
//
//	log.WarnContext(ctx, "transient backend failure",
//		logger.Attempt(attempt),
//		logger.Error(err),
//	)
package logger
