package services

import (
	"context"
	"fmt"

	"stagelink/internal/core/domain"
	"stagelink/internal/core/ports"
	"stagelink/pkg/tracing"

	"go.uber.org/zap"
)

// Session binds a registry to one signaling session: it announces the local
// peer and turns inbound signaling messages into reconciliation and dispatch.
type Session struct {
	id        domain.SessionID
	registry  *Registry
	signaling ports.SignalingChannel
	logger    *zap.SugaredLogger
}

func NewSession(id domain.SessionID, registry *Registry, signaling ports.SignalingChannel, logger *zap.SugaredLogger) *Session {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Session{
		id:        id,
		registry:  registry,
		signaling: signaling,
		logger:    logger.With("session_id", id, "peer_id", registry.LocalID()),
	}
}

func (s *Session) ID() domain.SessionID { return s.id }

func (s *Session) Registry() *Registry { return s.registry }

// Join announces the local peer to the session.
func (s *Session) Join(ctx context.Context) error {
	if s.id == "" {
		return domain.ErrSessionRequired
	}
	msg := domain.SignalMessage{
		Type:      domain.MessageJoin,
		From:      s.registry.LocalID(),
		SessionID: s.id,
	}
	if err := s.signaling.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to join session %s: %w", s.id, err)
	}
	s.logger.Infow("joined session")
	return nil
}

// Leave announces departure and tears down every connection.
func (s *Session) Leave(ctx context.Context) error {
	msg := domain.SignalMessage{
		Type:      domain.MessageLeave,
		From:      s.registry.LocalID(),
		SessionID: s.id,
	}
	err := s.signaling.Send(ctx, msg)
	s.registry.Close()
	if err != nil {
		return fmt.Errorf("failed to leave session %s: %w", s.id, err)
	}
	s.logger.Infow("left session")
	return nil
}

// HandleSignal applies one inbound message. Messages addressed to another
// peer are ignored.
func (s *Session) HandleSignal(ctx context.Context, msg domain.SignalMessage) error {
	ctx, span := tracing.TraceSignal(ctx, string(msg.Type), string(msg.From), string(msg.To))
	defer span.End()

	local := s.registry.LocalID()
	if msg.IsPeerAddressed() && msg.To != "" && msg.To != local {
		s.logger.Debugw("ignoring message for another peer", "type", msg.Type, "to", msg.To)
		return nil
	}

	switch msg.Type {
	case domain.MessagePeers:
		if msg.SessionID != "" && msg.SessionID != s.id {
			s.logger.Debugw("ignoring peer list for another session", "other_session", msg.SessionID)
			return nil
		}
		if err := s.registry.Reconcile(ctx, msg.Peers, s.registry.LocalTracks()); err != nil {
			tracing.RecordError(ctx, err)
			return fmt.Errorf("failed to reconcile peers: %w", err)
		}
	case domain.MessageOffer, domain.MessageAnswer:
		if msg.Description == nil {
			return fmt.Errorf("%s from %s: missing description", msg.Type, msg.From)
		}
		if msg.Type == domain.MessageOffer {
			s.registry.DispatchOffer(ctx, msg.From, *msg.Description)
		} else {
			s.registry.DispatchAnswer(ctx, msg.From, *msg.Description)
		}
	case domain.MessageICECandidate:
		s.registry.DispatchIceCandidate(ctx, msg.From, msg.Candidate)
	case domain.MessageRestart:
		s.registry.DispatchRestart(ctx, msg.From)
	case domain.MessageError:
		s.logger.Warnw("relay reported error", "error", msg.Error)
	case domain.MessageJoin, domain.MessageLeave:
	default:
		err := fmt.Errorf("%w: %q", domain.ErrUnknownMessageType, msg.Type)
		tracing.RecordError(ctx, err)
		return err
	}
	return nil
}
