package core

import (
	"context"
	"encoding/json"

	"apqcapture/internal/apq"
)

// Имена действий, принимаемых хранилищем.
const (
	ActionAddHash            = "addHash"
	ActionRemoveHash         = "removeHash"
	ActionGetTrackedHashes   = "getTrackedHashes"
	ActionGetCapturedQueries = "getCapturedQueries"
	ActionClearQueries       = "clearQueries"
	ActionClearHashes        = "clearHashes"
	ActionSetEnabled         = "setEnabled"
	ActionGetEnabled         = "getEnabled"
	ActionCaptureQuery       = "captureQuery"
	ActionGetStatus          = "getStatus"
)

// Request описывает сообщение-действие, один ответ на запрос.
type Request struct {
	Action  string             `json:"action"`
	Hash    string             `json:"hash,omitempty"`
	Enabled *bool              `json:"enabled,omitempty"`
	Data    *apq.CapturedQuery `json:"data,omitempty"`
}

// Status описывает сводку состояния хранилища.
type Status struct {
	Tracked  int   `json:"tracked"`
	Captured int   `json:"captured"`
	Pending  int   `json:"pending"`
	Enabled  bool  `json:"enabled"`
	Contexts int   `json:"contexts"`
	Host     any   `json:"host,omitempty"`
	Uptime   int64 `json:"uptimeSec,omitempty"`
}

// Response описывает унифицированный ответ на действие.
// Сериализуются только заполненные поля, как в исходном протоколе.
type Response struct {
	Success *bool
	Error   string
	Hashes  []string
	Queries []apq.CapturedQuery
	Enabled *bool
	Status  *Status
}

// OK возвращает ответ {success:true}.
func OK() Response {
	ok := true
	return Response{Success: &ok}
}

// Fail возвращает ответ {success:false, error}.
func Fail(msg string) Response {
	ok := false
	return Response{Success: &ok, Error: msg}
}

// Failed сообщает, является ли ответ ошибкой.
func (r Response) Failed() bool {
	return r.Success != nil && !*r.Success
}

// MarshalJSON пропускает незаполненные поля, но сохраняет пустые списки.
func (r Response) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, 2)
	if r.Success != nil {
		m["success"] = *r.Success
	}
	if r.Error != "" {
		m["error"] = r.Error
	}
	if r.Hashes != nil {
		m["hashes"] = r.Hashes
	}
	if r.Queries != nil {
		m["queries"] = r.Queries
	}
	if r.Enabled != nil {
		m["enabled"] = *r.Enabled
	}
	if r.Status != nil {
		m["status"] = r.Status
	}
	return json.Marshal(m)
}

// UnmarshalJSON читает ответ в той же форме.
func (r *Response) UnmarshalJSON(data []byte) error {
	var raw struct {
		Success *bool               `json:"success"`
		Error   string              `json:"error"`
		Hashes  []string            `json:"hashes"`
		Queries []apq.CapturedQuery `json:"queries"`
		Enabled *bool               `json:"enabled"`
		Status  *Status             `json:"status"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Response{
		Success: raw.Success,
		Error:   raw.Error,
		Hashes:  raw.Hashes,
		Queries: raw.Queries,
		Enabled: raw.Enabled,
		Status:  raw.Status,
	}
	return nil
}

// ActionProvider определяет контракт для модулей, обслуживающих действия.
type ActionProvider interface {
	Name() string
	Init(ctx context.Context) error
	Actions() []string
	Handle(ctx context.Context, req Request) (Response, error)
}
