// Package grpcapi exposes the call manager as a bidirectional gRPC stream.
package grpcapi

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"ai-voice-orchestrator-service/internal/observability/logging"
	"ai-voice-orchestrator-service/internal/observability/metrics"
	"ai-voice-orchestrator-service/internal/service/audio"
	"ai-voice-orchestrator-service/internal/service/fault"
	"ai-voice-orchestrator-service/internal/service/orchestrator"
	"ai-voice-orchestrator-service/internal/store"
)

// Server streams call audio between a transport and the call manager.
// Outbound frames are paced at the frame duration.
type Server struct {
	manager       *orchestrator.Manager
	transport     *Transport
	frameDuration time.Duration
	metrics       *metrics.Metrics
}

func NewServer(manager *orchestrator.Manager, transport *Transport, frameDuration time.Duration) *Server {
	if frameDuration <= 0 {
		frameDuration = 20 * time.Millisecond
	}
	return &Server{
		manager:       manager,
		transport:     transport,
		frameDuration: frameDuration,
		metrics:       metrics.DefaultMetrics,
	}
}

// Register registers the call service on g.
func Register(g *grpc.Server, s *Server) {
	RegisterCallServiceServer(g, s)
}

// CallStream runs one call for the lifetime of the stream.
func (s *Server) CallStream(stream CallStream) error {
	ctx := stream.Context()

	first, err := stream.Recv()
	if err != nil {
		return err
	}
	start := first.Start
	if start == nil {
		return status.Error(codes.InvalidArgument, "first message must start the call")
	}
	if start.CallID == "" || start.AgentID == "" {
		return status.Error(codes.InvalidArgument, "call_id and agent_id are required")
	}

	out := &sender{stream: stream}
	if !s.transport.attach(start.CallID, out) {
		return status.Errorf(codes.AlreadyExists, "call %s already has a stream", start.CallID)
	}
	defer s.transport.detach(start.CallID, out)

	info, err := s.manager.StartCall(ctx, orchestrator.StartRequest{
		CallID:    start.CallID,
		AgentID:   start.AgentID,
		Direction: orchestrator.ParseDirection(start.Direction),
		Metadata:  start.Metadata,
	})
	if err != nil {
		return toStatus(err)
	}
	logger := logging.WithCall(info.ID, info.AgentID)

	if err := out.send(&ServerMessage{Started: &CallStarted{
		CallID:      info.ID,
		AgentID:     info.AgentID,
		PriorCallID: info.PriorCallID,
	}}); err != nil {
		_ = s.manager.EndCall(info.ID, "stream closed")
		return err
	}

	paced := make(chan struct{})
	bus, err := s.manager.Outbound(info.ID)
	if err != nil {
		close(paced)
	} else {
		go func() {
			defer close(paced)
			s.pace(ctx, out, bus, logger)
		}()
	}
	go s.receive(stream, out, info.ID, logger)

	final, err := s.manager.Wait(ctx, info.ID)
	if errors.Is(err, orchestrator.ErrUnknownCall) {
		<-paced
		return nil
	}
	if err != nil {
		_ = s.manager.EndCall(info.ID, "stream closed")
		<-paced
		return status.FromContextError(err).Err()
	}
	<-paced

	return out.send(&ServerMessage{Ended: &CallEnded{
		CallID:     final.ID,
		Status:     string(final.Status),
		Reason:     final.EndReason,
		TurnNumber: final.TurnNumber,
	}})
}

// pace sends outbound frames no faster than one per frame duration until
// the bus is closed and drained.
func (s *Server) pace(ctx context.Context, out *sender, bus *audio.Bus, logger zerolog.Logger) {
	ticker := time.NewTicker(s.frameDuration)
	defer ticker.Stop()

	for {
		f, err := bus.PullOutbound(ctx)
		if err != nil {
			return
		}
		s.metrics.RecordFrameSent()
		if err := out.send(&ServerMessage{Audio: &AudioFrame{
			Seq:         f.Seq,
			Payload:     f.Payload,
			TimestampMs: f.At.UnixMilli(),
			TurnID:      f.TurnID,
		}}); err != nil {
			logger.Debug().Err(err).Msg("Outbound send failed")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) receive(stream CallStream, out *sender, callID string, logger zerolog.Logger) {
	for {
		msg, err := stream.Recv()
		if err != nil {
			reason := "stream closed"
			if errors.Is(err, io.EOF) {
				reason = "caller hangup"
			}
			_ = s.manager.EndCall(callID, reason)
			return
		}

		switch {
		case msg.Audio != nil:
			var sentAt time.Time
			if msg.Audio.TimestampMs > 0 {
				sentAt = time.UnixMilli(msg.Audio.TimestampMs)
			}
			err := s.manager.PushFrame(audio.Frame{
				CallID:  callID,
				Seq:     msg.Audio.Seq,
				Payload: msg.Audio.Payload,
				SentAt:  sentAt,
			})
			switch {
			case err == nil:
			case errors.Is(err, audio.ErrInboundOverflow):
				logger.Debug().Uint64("seq", msg.Audio.Seq).Msg("Inbound frame dropped")
			case errors.Is(err, orchestrator.ErrUnknownCall), errors.Is(err, audio.ErrBusClosed):
				return
			default:
				s.reject(out, codes.InvalidArgument, err, logger)
			}
		case msg.Interrupt != nil:
			if err := s.manager.Interrupt(callID); err != nil {
				s.reject(out, codes.FailedPrecondition, err, logger)
			}
		case msg.End != nil:
			reason := msg.End.Reason
			if reason == "" {
				reason = "caller hangup"
			}
			_ = s.manager.EndCall(callID, reason)
			return
		default:
			s.reject(out, codes.InvalidArgument, errors.New("unexpected message"), logger)
		}
	}
}

func (s *Server) reject(out *sender, code codes.Code, err error, logger zerolog.Logger) {
	logger.Warn().Err(err).Str("code", code.String()).Msg("Rejected client message")
	_ = out.send(&ServerMessage{Error: &Error{Code: code.String(), Message: err.Error()}})
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, orchestrator.ErrDuplicateCall):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, orchestrator.ErrTooManyCalls):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, orchestrator.ErrShuttingDown):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, store.ErrAgentNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, fault.ErrStateViolation):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
