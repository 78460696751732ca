package apq

import (
	"encoding/json"
	"regexp"
)

// Status описывает стадию жизненного цикла записи истории.
type Status string

const (
	StatusPending  Status = "pending"
	StatusCaptured Status = "captured"
)

// SentinelHash подменяет отслеживаемый хеш в первом запросе: сервер не найдет
// под ним сохраненный запрос и клиент повторит операцию с полным текстом.
const SentinelHash = "1"

// HistoryLimit ограничивает размер истории перехваченных запросов.
const HistoryLimit = 50

var hashRe = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)

// ValidHash проверяет формат sha256 (64 hex-символа).
func ValidHash(h string) bool {
	return hashRe.MatchString(h)
}

// CapturedQuery хранит состояние одного отслеживаемого хеша.
type CapturedQuery struct {
	Hash          string          `json:"hash"`
	Status        Status          `json:"status"`
	Query         string          `json:"query,omitempty"`
	OperationName string          `json:"operationName,omitempty"`
	Variables     json.RawMessage `json:"variables,omitempty"`
	URL           string          `json:"url,omitempty"`
	Timestamp     int64           `json:"timestamp,omitempty"`
	CapturedAt    int64           `json:"capturedAt,omitempty"`
}

// EffectiveTime возвращает время для сортировки истории: capturedAt, иначе timestamp.
func (q CapturedQuery) EffectiveTime() int64 {
	if q.CapturedAt != 0 {
		return q.CapturedAt
	}
	return q.Timestamp
}
