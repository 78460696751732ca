package common

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"apqcapture/internal/apq"
	"apqcapture/internal/core"
	"apqcapture/internal/storage"
)

var (
	ErrBadCommand   = errors.New("bad command")
	ErrAccessDenied = errors.New("access denied")
	ErrRateLimited  = errors.New("rate limit exceeded")
)

// Executor выполняет действие хранилища; реализуется core.Registry.
type Executor interface {
	Execute(ctx context.Context, req core.Request) (core.Response, error)
}

// Service объединяет общий пайплайн транспорта: authz -> ratelimit -> действие -> аудит.
type Service struct {
	Source      string
	Registry    Executor
	Authorizer  core.Authorizer
	RateLimiter *RateLimiter
	AuditSink   AuditSink
	Logger      *slog.Logger
}

// Execute проверяет доступ и лимит, выполняет действие и пишет аудит.
// Ответ всегда пригоден для отправки клиенту, даже вместе с ошибкой.
func (s *Service) Execute(ctx context.Context, subjectID, requestID string, req core.Request) (core.Response, error) {
	if requestID == "" {
		requestID = NewRequestID()
	}
	if req.Action == "" {
		return core.Fail(ErrBadCommand.Error()), ErrBadCommand
	}
	subject := core.Subject{Source: s.Source, ID: subjectID}
	if s.Authorizer != nil {
		if err := s.Authorizer.Authorize(subject, req.Action); err != nil {
			s.writeAudit(ctx, subject, req, "denied", requestID)
			return core.Fail(ErrAccessDenied.Error()), fmt.Errorf("%w: %v", ErrAccessDenied, err)
		}
	}
	if s.RateLimiter != nil {
		if !s.RateLimiter.Allow(fmt.Sprintf("%s:%s", s.Source, subjectID), time.Now()) {
			s.writeAudit(ctx, subject, req, "rate_limited", requestID)
			return core.Fail(ErrRateLimited.Error()), ErrRateLimited
		}
	}
	resp, execErr := s.Registry.Execute(ctx, req)
	status := "ok"
	if execErr != nil || resp.Failed() {
		status = "error"
		s.logger().Warn("action failed", "source", s.Source, "subject", subjectID, "action", req.Action, "err", execErr)
	}
	s.writeAudit(ctx, subject, req, status, requestID)
	return resp, execErr
}

// ExecuteText разбирает текстовую команду и выполняет ее.
func (s *Service) ExecuteText(ctx context.Context, subjectID, text string) (core.Response, error) {
	req, err := ParseTextCommand(text)
	if err != nil {
		return core.Fail(err.Error()), err
	}
	return s.Execute(ctx, subjectID, "", req)
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Service) writeAudit(ctx context.Context, subject core.Subject, req core.Request, status, requestID string) {
	if s.AuditSink == nil {
		return
	}
	err := s.AuditSink.Write(ctx, storage.AuditEvent{
		Subject:   subject.ID,
		Action:    req.Action,
		Source:    subject.Source,
		Status:    status,
		RequestID: requestID,
		Payload:   buildAuditPayload(req),
	})
	if err != nil {
		s.logger().Warn("audit write failed", "action", req.Action, "err", err)
	}
}

// ParseTextCommand переводит текст в запрос-действие.
// Формат: /action [arg]; для captureQuery аргументом служит JSON записи.
func ParseTextCommand(text string) (core.Request, error) {
	t := strings.TrimPrefix(strings.TrimSpace(text), "/")
	if t == "" {
		return core.Request{}, ErrBadCommand
	}
	action, rest, _ := strings.Cut(t, " ")
	rest = strings.TrimSpace(rest)
	req := core.Request{Action: action}

	switch action {
	case core.ActionAddHash, core.ActionRemoveHash:
		if rest == "" || strings.ContainsAny(rest, " \t") {
			return core.Request{}, fmt.Errorf("%s needs exactly one hash: %w", action, ErrBadCommand)
		}
		req.Hash = rest
	case core.ActionSetEnabled:
		v, err := parseSwitch(rest)
		if err != nil {
			return core.Request{}, fmt.Errorf("%s %q: %w", action, rest, ErrBadCommand)
		}
		req.Enabled = &v
	case core.ActionCaptureQuery:
		var data apq.CapturedQuery
		if err := json.Unmarshal([]byte(rest), &data); err != nil {
			return core.Request{}, fmt.Errorf("%s: %v: %w", action, err, ErrBadCommand)
		}
		req.Data = &data
	default:
		if rest != "" {
			return core.Request{}, fmt.Errorf("%s takes no arguments: %w", action, ErrBadCommand)
		}
	}
	return req, nil
}

func parseSwitch(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	return strconv.ParseBool(v)
}
