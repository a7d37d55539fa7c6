package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/apiflow/pkg/result"
)

// ResultType represents different types of results that can be published
type ResultType string

const (
	ResultTypeSnapshot ResultType = "snapshot"
	ResultTypeSuccess  ResultType = "success"
	ResultTypeError    ResultType = "error"
)

// Publisher is the subset of *nats.Conn the handler needs
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Message is the envelope published for every callback
type Message struct {
	Flow       string          `json:"flow"`
	Sequence   int64           `json:"sequence"`
	ResultType ResultType      `json:"result_type"`
	CreatedAt  string          `json:"created_at"`
	Results    result.Snapshot `json:"results,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Config holds configuration for the callback handler
type Config struct {
	Subject       string        // Subject to publish results to (default: "apiflow.results")
	Flow          string        // Flow name stamped on every message
	MaxRetries    int           // Maximum number of retry attempts (default: 3)
	RetryDelay    time.Duration // Delay between retries (default: 1s)
	EnableLogging bool          // Enable logging of operations (default: true)
	Logger        *zap.Logger   // Custom logger instance (optional, no-op if nil)
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Subject:       "apiflow.results",
		MaxRetries:    3,
		RetryDelay:    time.Second,
		EnableLogging: true,
	}
}

// CallbackHandler publishes accumulator snapshots to a NATS subject
type CallbackHandler struct {
	publisher Publisher
	config    *Config
	logger    *zap.Logger
	sequence  int64
}

// NewCallbackHandler creates a handler with the default config
func NewCallbackHandler(p Publisher) *CallbackHandler {
	return NewCallbackHandlerWithConfig(p, DefaultConfig())
}

// NewCallbackHandlerWithConfig creates a handler with a custom configuration.
// Empty fields of config take their defaults.
func NewCallbackHandlerWithConfig(p Publisher, config *Config) *CallbackHandler {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.Subject == "" {
		config.Subject = defaults.Subject
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &CallbackHandler{
		publisher: p,
		config:    config,
		logger:    logger,
	}
}

// validateMessage performs strict validation on the message
func (c *CallbackHandler) validateMessage(msg *Message) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}

	if msg.CreatedAt == "" {
		return fmt.Errorf("message CreatedAt is required")
	}

	switch msg.ResultType {
	case ResultTypeSnapshot, ResultTypeSuccess:
		if msg.Results == nil {
			return fmt.Errorf("message Results is required for %s", msg.ResultType)
		}
	case ResultTypeError:
		if msg.Error == "" {
			return fmt.Errorf("message Error is required for %s", msg.ResultType)
		}
	default:
		return fmt.Errorf("unknown result type %q", msg.ResultType)
	}

	return nil
}

// logOperation logs the operation if logging is enabled
func (c *CallbackHandler) logOperation(operation string, msg *Message, err error) {
	if !c.config.EnableLogging {
		return
	}

	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("subject", c.config.Subject),
	}
	if msg != nil {
		fields = append(fields,
			zap.String("flow", msg.Flow),
			zap.Int64("sequence", msg.Sequence),
			zap.String("result_type", string(msg.ResultType)),
		)
	}

	if err != nil {
		fields = append(fields, zap.Error(err))
		c.logger.Error(fmt.Sprintf("Failed to %s message", operation), fields...)
	} else {
		c.logger.Debug(fmt.Sprintf("Successfully %s message", operation), fields...)
	}
}

// publishWithRetry attempts to publish a message with retry logic
func (c *CallbackHandler) publishWithRetry(ctx context.Context, subject string, data []byte) error {
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			if c.config.EnableLogging {
				c.logger.Info("Retrying publish",
					zap.Int("attempt", attempt),
					zap.Int("max_attempts", c.config.MaxRetries+1),
					zap.String("subject", subject),
					zap.Duration("retry_delay", c.config.RetryDelay),
				)
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("publish cancelled during retry: %w", ctx.Err())
			case <-time.After(c.config.RetryDelay):
			}
		}

		err := c.publisher.Publish(subject, data)
		if err == nil {
			return nil
		}

		lastErr = err
		if c.config.EnableLogging {
			c.logger.Warn("Publish attempt failed",
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", c.config.MaxRetries+1),
				zap.String("subject", subject),
				zap.Error(err),
			)
		}
	}

	return fmt.Errorf("publish failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

// Callback validates msg and publishes it to the configured subject.
// Returns an error if the publish operation fails after all retry attempts.
func (c *CallbackHandler) Callback(ctx context.Context, msg *Message) error {
	if err := c.validateMessage(msg); err != nil {
		c.logOperation("validate", msg, err)
		return fmt.Errorf("validation failed: %w", err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		c.logOperation("encode", msg, err)
		return fmt.Errorf("encode message: %w", err)
	}

	if err := c.publishWithRetry(ctx, c.config.Subject, data); err != nil {
		c.logOperation("publish", msg, err)
		return err
	}

	c.logOperation("publish", msg, nil)
	return nil
}

// Func returns a function usable as an engine callback. Every invocation publishes
// the snapshot; publish failures are logged and do not interrupt the run.
func (c *CallbackHandler) Func(ctx context.Context) func(result.Snapshot) {
	return func(s result.Snapshot) {
		_ = c.Callback(ctx, c.newMessage(ResultTypeSnapshot, s, ""))
	}
}

// ReportSuccess publishes the final accumulator of a finished run
func (c *CallbackHandler) ReportSuccess(ctx context.Context, final result.Snapshot) error {
	if final == nil {
		final = result.Snapshot{}
	}
	return c.Callback(ctx, c.newMessage(ResultTypeSuccess, final, ""))
}

// ReportError publishes the failure of a run
func (c *CallbackHandler) ReportError(ctx context.Context, runErr error) error {
	if runErr == nil {
		return fmt.Errorf("validation failed: nil run error")
	}
	return c.Callback(ctx, c.newMessage(ResultTypeError, nil, runErr.Error()))
}

func (c *CallbackHandler) newMessage(t ResultType, s result.Snapshot, errMsg string) *Message {
	return &Message{
		Flow:       c.config.Flow,
		Sequence:   atomic.AddInt64(&c.sequence, 1),
		ResultType: t,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
		Results:    s,
		Error:      errMsg,
	}
}

// GetConfig returns the current configuration (read-only)
func (c *CallbackHandler) GetConfig() *Config {
	return c.config
}

// Close flushes the logger
func (c *CallbackHandler) Close() error {
	if c.logger != nil {
		_ = c.logger.Sync()
	}
	return nil
}
