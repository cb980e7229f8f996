package router

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"chat-session/metrics"
	"chat-session/models"
)

var ErrMalformedFrame = errors.New("malformed frame")

// Sink receives the effects of one inbound frame, in order.
type Sink interface {
	RetractThinking()
	SetSending(sending bool)
	Status(text string)
	Email(email models.GeneratedEmail)
	AgentReply(text string, created map[string][]models.Record, hasData bool)
	BackendError(text string)
	ReviewProposal(prompt string, p models.ProposalFrame)
	Confirmation(prompt string, options []string)
}

type Router struct {
	sink   Sink
	logger *zap.Logger
}

func New(sink Sink, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{sink: sink, logger: logger.With(zap.String("component", "router"))}
}

// Dispatch classifies one raw frame and applies it to the sink. A pending
// thinking indicator is retracted before anything else happens. Malformed
// frames clear the sending flag and return ErrMalformedFrame; frames of an
// unknown type are logged and ignored.
func (r *Router) Dispatch(raw []byte) error {
	r.sink.RetractThinking()

	var frame models.InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return r.malformed(fmt.Errorf("%w: %v", ErrMalformedFrame, err))
	}
	if frame.Type == "" {
		return r.malformed(fmt.Errorf("%w: missing type", ErrMalformedFrame))
	}
	r.logger.Debug("frame received", zap.String("type", frame.Type))

	switch frame.Type {
	case models.FrameStatus:
		r.sink.Status(frame.Message)

	case models.FrameResponse:
		r.sink.SetSending(false)
		if !frame.Success {
			text := frame.Error
			if text == "" {
				text = frame.Response
			}
			r.sink.BackendError("Error: " + text)
			break
		}
		// the email card goes in before the narrative reply
		if frame.GeneratedEmailContent != nil {
			r.sink.Email(*frame.GeneratedEmailContent)
		}
		r.sink.AgentReply(frame.Response, frame.CreatedRecords, frame.SalesforceData)

	case models.FrameReviewProposal:
		r.sink.SetSending(false)
		if frame.Proposal == nil {
			return r.malformed(fmt.Errorf("%w: review_proposal without proposal", ErrMalformedFrame))
		}
		r.sink.ReviewProposal(frame.Message, *frame.Proposal)

	case models.FrameConfirmation:
		r.sink.SetSending(false)
		r.sink.Confirmation(frame.Message, frame.Options)

	case models.FrameError:
		r.sink.SetSending(false)
		r.sink.BackendError("Error: " + frame.Message)

	default:
		metrics.FramesReceived.WithLabelValues("unknown").Inc()
		r.logger.Info("ignoring frame of unknown type", zap.String("type", frame.Type))
		return nil
	}

	metrics.FramesReceived.WithLabelValues(frame.Type).Inc()
	return nil
}

func (r *Router) malformed(err error) error {
	metrics.FramesReceived.WithLabelValues("malformed").Inc()
	r.logger.Warn("dropping malformed frame", zap.Error(err))
	r.sink.SetSending(false)
	return err
}
