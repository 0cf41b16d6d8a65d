package circulation

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"libralend/internal/store"
)

// maxAttempts bounds how often a unit of work runs when the store reports a
// conflicting concurrent write.
const maxAttempts = 2

const (
	logMsgRejected = "operation rejected"
	logMsgFailed   = "operation failed"
	logMsgApplied  = "operation applied"
	logMsgRetry    = "conflict detected, retrying"

	logAttrOp      = "op"
	logAttrError   = "error"
	logAttrAttempt = "attempt"
	logAttrOutcome = "outcome"

	outcomeOK       = "ok"
	outcomeRejected = "rejected"
	outcomeConflict = "conflict"
	outcomeError    = "error"
)

// runTx executes fn as one unit of work holding keys. fn must derive all of
// its writes from what it reads through tx because it may run twice.
func (s *service) runTx(ctx context.Context, op string, keys []string, attrs []attribute.KeyValue, fn func(ctx context.Context, tx store.Tx) error) error {
	ctx, span := s.tracer.Start(ctx, "circulation."+op, trace.WithAttributes(attrs...))
	defer span.End()

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = s.store.WithinTx(ctx, keys, fn)
		if !errors.Is(err, store.ErrConflict) {
			break
		}
		if attempt < maxAttempts {
			span.AddEvent("conflict.retry", trace.WithAttributes(attribute.Int(logAttrAttempt, attempt)))
			s.logger.DebugContext(ctx, logMsgRetry, logAttrOp, op, logAttrAttempt, attempt)
		}
	}
	if errors.Is(err, store.ErrConflict) {
		err = fmt.Errorf("%s: %w", op, ErrConflict)
	}

	s.observe(ctx, span, op, attrs, err)
	return err
}

func (s *service) observe(ctx context.Context, span trace.Span, op string, attrs []attribute.KeyValue, err error) {
	outcome := outcomeOK
	switch {
	case err == nil:
	case errors.Is(err, ErrConflict):
		outcome = outcomeConflict
	case IsDomainError(err):
		outcome = outcomeRejected
	default:
		outcome = outcomeError
	}

	s.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String(logAttrOp, op),
		attribute.String(logAttrOutcome, outcome),
	))
	span.SetAttributes(attribute.String(logAttrOutcome, outcome))

	args := make([]any, 0, 2*len(attrs)+4)
	args = append(args, logAttrOp, op)
	for _, kv := range attrs {
		args = append(args, string(kv.Key), kv.Value.Emit())
	}

	switch outcome {
	case outcomeOK:
		s.logger.DebugContext(ctx, logMsgApplied, args...)
	case outcomeRejected:
		s.logger.InfoContext(ctx, logMsgRejected, append(args, logAttrError, err.Error())...)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.ErrorContext(ctx, logMsgFailed, append(args, logAttrError, err.Error())...)
	}
}

// fail records a unit of work rejected before it could start.
func (s *service) fail(ctx context.Context, op string, attrs []attribute.KeyValue, err error) error {
	ctx, span := s.tracer.Start(ctx, "circulation."+op, trace.WithAttributes(attrs...))
	defer span.End()
	s.observe(ctx, span, op, attrs, err)
	return err
}
