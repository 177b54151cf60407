// Package logger builds *slog.Logger instances for billingsync and provides
// attribute helpers so log keys stay consistent across packages.
//
// New applies Option functions (format, level, output, static attributes,
// context extractors) and wraps the chosen slog handler with
// LogHandlerDecorator, which pulls request-scoped values such as the request
// id out of the context on every Handle call.
//
//	log := logger.New(
//	    logger.WithEnvironment(cfg.Env, "billingsync"),
//	    logger.WithContextExtractors(requestIDFromContext),
//	)
//	log.InfoContext(ctx, "webhook event handled",
//	    logger.Provider("stripe"),
//	    logger.EventID(ev.ID),
//	    logger.Outcome("applied"),
//	)
//
// Error and Errors return an empty attribute for nil errors, so they can be
// passed unconditionally.
package logger
