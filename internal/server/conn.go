package server

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/taskd/internal/dispatch"
	"github.com/danmuck/taskd/internal/observability"
	"github.com/danmuck/taskd/internal/protocol"
	"github.com/danmuck/taskd/internal/protocol/frame"
)

// Connection close reasons, used as log fields and metric labels.
const (
	closeEOF         = "eof"
	closeTimeout     = "timeout"
	closeTooLarge    = "too_large"
	closeShortFrame  = "short_frame"
	closeMalformed   = "malformed"
	closeIO          = "io"
	closeQueueClosed = "queue_closed"
	closeShutdown    = "shutdown"
	closeWrite       = "write"
)

// handleConn runs one request at a time: read a frame, dispatch it, wait for
// the correlated reply, write it back. Any read, decode, or write failure ends
// the connection; the stream cannot be trusted after a framing error.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	id := uuid.NewString()
	remote := conn.RemoteAddr().String()
	active := s.metrics.ConnectionOpened()
	log.Info().Str("conn", id).Str("remote", remote).Int64("active", active).Msg("client connected")

	reason := s.serveConn(ctx, conn, id)

	remaining := s.metrics.ConnectionClosed()
	if reason != closeEOF {
		observability.RecordConnectionError(reason)
	}
	log.Info().
		Str("conn", id).
		Str("remote", remote).
		Str("reason", reason).
		Int64("active", remaining).
		Msg("client disconnected")
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn, id string) string {
	for {
		msg, err := protocol.DecodeMessage(conn, time.Now().Add(s.cfg.ReadTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return closeShutdown
			}
			reason := readCloseReason(err)
			if reason != closeEOF {
				log.Warn().Str("conn", id).Str("reason", reason).Err(err).Msg("protocol read failed")
			}
			return reason
		}

		if msg.Kind == protocol.KindTaskResponse {
			log.Debug().Str("conn", id).Msg("discarding task response sent by client")
			continue
		}

		resp, reason := s.dispatch(ctx, id, msg.Request)
		if reason != "" {
			return reason
		}
		if err := s.writeResponse(conn, id, resp); err != nil {
			log.Warn().Str("conn", id).Err(err).Msg("response write failed")
			return closeWrite
		}
		log.Debug().
			Str("conn", id).
			Bool("ok", resp.OK()).
			Uint64("processed_tasks", s.metrics.ProcessedTasks()).
			Int64("active", s.metrics.ActiveConnections()).
			Msg("task complete")
	}
}

// dispatch submits req and waits for its reply. A non-empty reason means the
// connection must close.
func (s *Server) dispatch(ctx context.Context, id string, req protocol.TaskRequest) (protocol.TaskResponse, string) {
	responder, reply := dispatch.NewResponder()
	item := dispatch.NewWorkItem(req.Hash, responder)
	item.ConnID = id

	if err := s.queue.Submit(ctx, item); err != nil {
		if errors.Is(err, dispatch.ErrQueueClosed) {
			log.Warn().Str("conn", id).Msg("dispatch queue closed")
			return protocol.TaskResponse{}, closeQueueClosed
		}
		return protocol.TaskResponse{}, closeShutdown
	}

	msg, err := reply.Await(ctx)
	switch {
	case errors.Is(err, dispatch.ErrNoReply):
		log.Warn().Str("conn", id).Msg("worker dropped task without reply")
		return protocol.Failed(), ""
	case err != nil:
		return protocol.TaskResponse{}, closeShutdown
	case msg.Kind != protocol.KindTaskResponse:
		log.Error().Str("conn", id).Msg("worker replied with a non-response message")
		return protocol.Failed(), ""
	}
	return msg.Response, ""
}

func (s *Server) writeResponse(conn net.Conn, id string, resp protocol.TaskResponse) error {
	wire, err := protocol.EncodeMessage(protocol.NewResponse(resp))
	if err != nil {
		log.Error().Str("conn", id).Err(err).Msg("response encode failed, sending Failed")
		if wire, err = protocol.EncodeMessage(protocol.NewResponse(protocol.Failed())); err != nil {
			return err
		}
	}
	if s.cfg.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			return err
		}
		defer conn.SetWriteDeadline(time.Time{})
	}
	_, err = conn.Write(wire)
	return err
}

func readCloseReason(err error) string {
	switch {
	case errors.Is(err, io.EOF):
		return closeEOF
	case errors.Is(err, frame.ErrTimeout):
		return closeTimeout
	case errors.Is(err, frame.ErrPayloadTooLarge):
		return closeTooLarge
	case errors.Is(err, frame.ErrShortHeader), errors.Is(err, frame.ErrShortPayload):
		return closeShortFrame
	case errors.Is(err, protocol.ErrMalformed):
		return closeMalformed
	default:
		return closeIO
	}
}
