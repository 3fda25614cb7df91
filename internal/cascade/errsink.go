package cascade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"gorm.io/gorm"

	"brainlytree.dev/moldwatch/internal/store"
)

// ErrorSink persists pipeline stage failures so they can be replayed by an
// operator. Recording is itself best effort: a sink write failure is logged
// and swallowed, it must never take down the caller.
type ErrorSink struct {
	logger *slog.Logger
	db     *gorm.DB
}

// NewErrorSink creates a new ErrorSink instance.
func NewErrorSink(logger *slog.Logger, db *gorm.DB) (*ErrorSink, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}
	return &ErrorSink{logger: logger, db: db}, nil
}

// Record stores one failed operation with enough payload to retry it by hand.
func (s *ErrorSink) Record(ctx context.Context, table, operation string, payload interface{}, cause error) {
	body, err := json.Marshal(payload)
	if err != nil {
		body = []byte(`{"marshal_error":"` + err.Error() + `"}`)
	}

	entry := store.CascadeError{
		TableHit:  table,
		Operation: operation,
		Payload:   string(body),
		ErrorText: cause.Error(),
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		s.logger.Error("failed to record cascade error",
			"table", table,
			"operation", operation,
			"original_error", cause,
			"error", err,
		)
	}
}
