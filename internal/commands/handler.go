// Package commands consumes adherence commands from the broker and applies
// them exactly once through the idempotency inbox.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/adherence"
	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
	"github.com/drfirst/go-adherence/pkg/idempotency"
)

const handlerName = "record_adherence"

// AdherenceCommand asks for an occurrence to be resolved.
type AdherenceCommand struct {
	MessageID     string `json:"message_id,omitempty"`
	OccurrenceKey string `json:"occurrence_key"`
	Outcome       string `json:"outcome"`
}

// DeadLetter is what a rejected record looks like on the dead letter topic.
type DeadLetter struct {
	SourceTopic string    `json:"source_topic"`
	Partition   int32     `json:"partition"`
	Offset      int64     `json:"offset"`
	Key         string    `json:"key,omitempty"`
	Value       string    `json:"value"`
	Error       string    `json:"error"`
	FailedAt    time.Time `json:"failed_at"`
}

// Recorder applies an outcome to an occurrence.
type Recorder interface {
	RecordAdherence(ctx context.Context, key adherence.Key, outcome adherence.State) (adherence.Occurrence, error)
}

// Publisher sends a raw message.
type Publisher interface {
	ProduceMessage(ctx context.Context, topic, key string, value []byte) error
}

// Terminal reports whether a command error can never succeed on retry.
func Terminal(err error) bool {
	return errors.Is(err, adherence.ErrInvalidTransition)
}

// Handler turns consumed records into RecordAdherence calls.
type Handler struct {
	recorder        Recorder
	inbox           idempotency.Processor
	dlq             Publisher
	deadLetterTopic string
	metrics         *metrics.Metrics
	logger          *zap.Logger
	now             func() time.Time
}

func NewHandler(recorder Recorder, inbox idempotency.Processor, dlq Publisher, deadLetterTopic string, m *metrics.Metrics, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deadLetterTopic == "" {
		deadLetterTopic = redpanda.TopicDeadLetter
	}
	return &Handler{
		recorder:        recorder,
		inbox:           inbox,
		dlq:             dlq,
		deadLetterTopic: deadLetterTopic,
		metrics:         m,
		logger:          logger,
		now:             time.Now,
	}
}

// Handle processes one record. It returns an error only for failures worth
// retrying; malformed and rejected commands are acknowledged.
func (h *Handler) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	var cmd AdherenceCommand
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		return h.deadLetter(ctx, msg, fmt.Errorf("decode command: %w", err))
	}
	key, err := adherence.ParseKey(cmd.OccurrenceKey)
	if err != nil {
		return h.deadLetter(ctx, msg, err)
	}
	outcome, err := adherence.ParseOutcome(cmd.Outcome)
	if err != nil {
		return h.deadLetter(ctx, msg, err)
	}

	logger := h.logger.With(
		zap.String("occurrence_key", key.String()),
		zap.String("outcome", string(outcome)),
		zap.Int64("offset", msg.Offset))

	idemKey := idempotency.CommandKey(cmd.MessageID, key.String(), string(outcome))
	res, err := h.inbox.Process(ctx, idemKey, handlerName, msg.Value, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		occ, err := h.recorder.RecordAdherence(ctx, key, outcome)
		if err != nil {
			return nil, err
		}
		return json.Marshal(occ)
	})
	switch {
	case err == nil && !res.IsNew && !res.WasRecovered:
		h.metrics.IncCommand("duplicate")
		logger.Debug("duplicate adherence command")
		return nil
	case err == nil:
		h.metrics.IncCommand("applied")
		return nil
	case Terminal(err), errors.Is(err, idempotency.ErrPreviouslyFailed):
		h.metrics.IncCommand("rejected")
		logger.Info("adherence command rejected", zap.Error(err))
		return nil
	default:
		return err
	}
}

// OnFailure is the consumer hook for records that exhausted their retries.
func (h *Handler) OnFailure(ctx context.Context, msg *redpanda.ConsumedMessage, err error) {
	if dlqErr := h.deadLetter(ctx, msg, err); dlqErr != nil {
		h.logger.Error("failed to dead-letter command", zap.Int64("offset", msg.Offset), zap.Error(dlqErr))
	}
}

func (h *Handler) deadLetter(ctx context.Context, msg *redpanda.ConsumedMessage, cause error) error {
	h.metrics.IncCommand("dead_lettered")
	h.logger.Warn("dead-lettering adherence command",
		zap.String("topic", msg.Topic),
		zap.Int64("offset", msg.Offset),
		zap.Error(cause))
	if h.dlq == nil {
		return nil
	}
	value, err := json.Marshal(DeadLetter{
		SourceTopic: msg.Topic,
		Partition:   msg.Partition,
		Offset:      msg.Offset,
		Key:         string(msg.Key),
		Value:       string(msg.Value),
		Error:       cause.Error(),
		FailedAt:    h.now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := h.dlq.ProduceMessage(ctx, h.deadLetterTopic, string(msg.Key), value); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}
