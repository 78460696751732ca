package common

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"apqcapture/internal/core"
	"apqcapture/internal/storage"
)

// AuditSink записывает аудиторные события.
type AuditSink interface {
	Write(ctx context.Context, ev storage.AuditEvent) error
}

// NewRequestID выдает идентификатор запроса для аудита.
func NewRequestID() string {
	return uuid.NewString()
}

// buildAuditPayload пишет в аудит только аргументы действия, без текста запроса.
func buildAuditPayload(req core.Request) []byte {
	m := map[string]any{"action": req.Action}
	if req.Hash != "" {
		m["hash"] = req.Hash
	}
	if req.Enabled != nil {
		m["enabled"] = *req.Enabled
	}
	if req.Data != nil {
		m["hash"] = req.Data.Hash
		if req.Data.OperationName != "" {
			m["operationName"] = req.Data.OperationName
		}
	}
	payload, _ := json.Marshal(m)
	return payload
}
