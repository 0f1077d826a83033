package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dethon/relay/internal/logger"
	"github.com/nats-io/nats.go"
)

const (
	// NATS subject for topic cancellation requests.
	topicCancelSubject = "relay.topic.cancel"

	// Timeout for distributed cancel requests.
	distributedCancelTimeout = 5 * time.Second
)

// CancelRequest represents a distributed topic cancellation request.
type CancelRequest struct {
	TopicID string `json:"topic_id"`
	UserID  string `json:"user_id"`
}

// CancelResponse represents the result of a distributed cancel operation.
type CancelResponse struct {
	Success    bool   `json:"success"`
	Found      bool   `json:"found"`
	Error      string `json:"error,omitempty"`
	InstanceID string `json:"instance_id"`
}

// DistributedCancelService handles cross-instance topic cancellation via NATS.
//
// Stream state lives in-memory on the instance that consumed the prompt. When
// a cancel request arrives at a different instance, this service broadcasts
// it over NATS request-reply; only the owning instance replies after stopping
// the stream locally.
type DistributedCancelService struct {
	nc           *nats.Conn
	broker       *Broker
	logger       *logger.Logger
	instanceID   string
	subscription *nats.Subscription
}

// NewDistributedCancelService creates a new distributed cancel service.
// Returns nil if NATS connection is not available.
func NewDistributedCancelService(nc *nats.Conn, broker *Broker, log *logger.Logger, instanceID string) *DistributedCancelService {
	if nc == nil {
		return nil
	}

	return &DistributedCancelService{
		nc:         nc,
		broker:     broker,
		logger:     log.WithComponent("distributed-cancel"),
		instanceID: instanceID,
	}
}

// Start begins listening for distributed cancel requests.
// This should be called once during server startup.
func (s *DistributedCancelService) Start() error {
	sub, err := s.nc.Subscribe(topicCancelSubject, s.handleCancelRequest)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topicCancelSubject, err)
	}

	s.subscription = sub
	s.logger.Info("distributed cancel service started",
		slog.String("subject", topicCancelSubject),
		slog.String("instance_id", s.instanceID))

	return nil
}

// Stop gracefully shuts down the service.
func (s *DistributedCancelService) Stop() error {
	if s.subscription != nil {
		if err := s.subscription.Drain(); err != nil {
			return fmt.Errorf("failed to drain subscription: %w", err)
		}
	}
	s.logger.Info("distributed cancel service stopped")
	return nil
}

// RequestCancel asks all instances to cancel the topic and waits for the
// owner's reply. A missing owner is reported as Found=false, not an error.
func (s *DistributedCancelService) RequestCancel(ctx context.Context, topicID, userID string) (*CancelResponse, error) {
	req := CancelRequest{TopicID: topicID, UserID: userID}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, distributedCancelTimeout)
	defer cancel()

	msg, err := s.nc.RequestWithContext(reqCtx, topicCancelSubject, data)
	if err != nil {
		// No subscribers on the subject
		if errors.Is(err, nats.ErrNoResponders) {
			return &CancelResponse{Success: false, Found: false}, nil
		}
		// Timeout - no instance owns this topic
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return &CancelResponse{Success: false, Found: false}, nil
		}
		// Context cancelled by caller
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("cancel request failed: %w", err)
	}

	var resp CancelResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &resp, nil
}

// handleCancelRequest processes incoming cancel requests from other
// instances. Only the instance owning the topic replies; everyone else stays
// silent so the owner's response wins.
func (s *DistributedCancelService) handleCancelRequest(msg *nats.Msg) {
	var req CancelRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("received invalid cancel request", slog.String("error", err.Error()))
		return
	}

	if s.broker.GetStreamState(req.TopicID) == nil {
		s.logger.Debug("topic not owned by this instance, ignoring",
			slog.String("topic_id", req.TopicID))
		return
	}

	s.broker.CancelStream(req.TopicID)

	s.reply(msg, CancelResponse{
		Success:    true,
		Found:      true,
		InstanceID: s.instanceID,
	})

	s.logger.Info("processed distributed cancel request",
		slog.String("topic_id", req.TopicID),
		slog.String("user_id", req.UserID))
}

// reply sends a response back to the requester.
func (s *DistributedCancelService) reply(msg *nats.Msg, resp CancelResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to marshal response", slog.String("error", err.Error()))
		return
	}

	if err := msg.Respond(data); err != nil {
		s.logger.Error("failed to send response", slog.String("error", err.Error()))
	}
}
