package logging

import (
	"go.uber.org/zap"
)

// NewLogger creates a new structured logger
func NewLogger(serviceName string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.InitialFields = map[string]interface{}{
		"service": serviceName,
	}

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return logger, nil
}

// WithRequestID returns a logger with request_id field
func WithRequestID(logger *zap.Logger, requestID string) *zap.Logger {
	return logger.With(zap.String("request_id", requestID))
}

// WithCreditKey returns a logger scoped to one (inverter, date) credit key
func WithCreditKey(logger *zap.Logger, inverterID string, date string) *zap.Logger {
	return logger.With(zap.String("inverter_id", inverterID), zap.String("credit_date", date))
}
