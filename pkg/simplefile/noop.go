package simplefile

import (
	"context"
	"log/slog"
)

// NoopEventSink is a no-operation implementation of EventSink
type NoopEventSink struct{}

// NewNoopEventSink creates a new no-operation event sink
func NewNoopEventSink() EventSink {
	return &NoopEventSink{}
}

// AliasCreated does nothing and returns nil
func (n *NoopEventSink) AliasCreated(ctx context.Context, alias *FileAlias, deduplicated bool) error {
	return nil
}

// AliasReplaced does nothing and returns nil
func (n *NoopEventSink) AliasReplaced(ctx context.Context, alias *FileAlias, mode ReplaceMode) error {
	return nil
}

// AliasDeleted does nothing and returns nil
func (n *NoopEventSink) AliasDeleted(ctx context.Context, alias string, teardown bool) error {
	return nil
}

// BlobDeleted does nothing and returns nil
func (n *NoopEventSink) BlobDeleted(ctx context.Context, uri string) error {
	return nil
}

// LoggingEventSink writes every event to a slog logger at info level.
type LoggingEventSink struct {
	logger *slog.Logger
}

// NewLoggingEventSink creates an event sink that logs to logger, or to
// slog.Default when logger is nil.
func NewLoggingEventSink(logger *slog.Logger) EventSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingEventSink{logger: logger}
}

func (l *LoggingEventSink) AliasCreated(ctx context.Context, alias *FileAlias, deduplicated bool) error {
	l.logger.InfoContext(ctx, "alias created", "alias", alias.Alias, "uri", alias.FileURI, "deduplicated", deduplicated)
	return nil
}

func (l *LoggingEventSink) AliasReplaced(ctx context.Context, alias *FileAlias, mode ReplaceMode) error {
	l.logger.InfoContext(ctx, "alias replaced", "alias", alias.Alias, "uri", alias.FileURI, "mode", string(mode))
	return nil
}

func (l *LoggingEventSink) AliasDeleted(ctx context.Context, alias string, teardown bool) error {
	l.logger.InfoContext(ctx, "alias deleted", "alias", alias, "teardown", teardown)
	return nil
}

func (l *LoggingEventSink) BlobDeleted(ctx context.Context, uri string) error {
	l.logger.InfoContext(ctx, "blob deleted", "uri", uri)
	return nil
}

// MultiEventSink fans events out to several sinks and returns the first error.
type MultiEventSink []EventSink

func (m MultiEventSink) AliasCreated(ctx context.Context, alias *FileAlias, deduplicated bool) error {
	var first error
	for _, sink := range m {
		if err := sink.AliasCreated(ctx, alias, deduplicated); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m MultiEventSink) AliasReplaced(ctx context.Context, alias *FileAlias, mode ReplaceMode) error {
	var first error
	for _, sink := range m {
		if err := sink.AliasReplaced(ctx, alias, mode); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m MultiEventSink) AliasDeleted(ctx context.Context, alias string, teardown bool) error {
	var first error
	for _, sink := range m {
		if err := sink.AliasDeleted(ctx, alias, teardown); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m MultiEventSink) BlobDeleted(ctx context.Context, uri string) error {
	var first error
	for _, sink := range m {
		if err := sink.BlobDeleted(ctx, uri); err != nil && first == nil {
			first = err
		}
	}
	return first
}
