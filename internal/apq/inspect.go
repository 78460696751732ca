package apq

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const hashPath = "extensions.persistedQuery.sha256Hash"

// Watcher отдает снимок конфигурации перехвата на момент проверки запроса.
type Watcher interface {
	Enabled() bool
	Watching(hash string) bool
}

// Outcome классифицирует результат проверки тела запроса.
type Outcome int

const (
	// Passthrough: запрос уходит без изменений и без событий.
	Passthrough Outcome = iota
	// Invalidated: хеш подменен на SentinelHash.
	Invalidated
	// Captured: повтор с полным текстом запроса.
	Captured
)

func (o Outcome) String() string {
	switch o {
	case Invalidated:
		return "invalidated"
	case Captured:
		return "captured"
	default:
		return "passthrough"
	}
}

// Result описывает решение по одному вызову.
type Result struct {
	Outcome Outcome
	Hash    string
	// Body всегда содержит тело для отправки; при Passthrough и Captured это исходные байты.
	Body    []byte
	Capture *CapturedQuery
}

// Inspect принимает решение по одному исходящему вызову.
//
// Связь между первым запросом (только хеш) и повтором (полный текст) не
// хранится: повтор распознается повторной проверкой членства хеша в
// наборе отслеживания. Брошенные запросы поэтому ничего не оставляют в памяти.
func Inspect(w Watcher, target string, body []byte) Result {
	pass := Result{Outcome: Passthrough, Body: body}
	if w == nil || !w.Enabled() || len(body) == 0 {
		return pass
	}
	if !gjson.ValidBytes(body) {
		return pass
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return pass
	}
	h := root.Get(hashPath)
	if h.Type != gjson.String || h.Str == "" {
		return pass
	}
	sha := h.Str
	if !w.Watching(sha) {
		return pass
	}

	q := root.Get("query")
	if !truthy(q) {
		out, err := sjson.SetBytes(body, hashPath, SentinelHash)
		if err != nil {
			return pass
		}
		return Result{Outcome: Invalidated, Hash: sha, Body: out}
	}

	capture := &CapturedQuery{
		Hash:   sha,
		Status: StatusCaptured,
		Query:  queryText(q),
		URL:    target,
	}
	if op := root.Get("operationName"); op.Type == gjson.String {
		capture.OperationName = op.Str
	}
	if v := root.Get("variables"); v.Exists() && v.Type != gjson.Null {
		capture.Variables = []byte(v.Raw)
	}
	return Result{Outcome: Captured, Hash: sha, Body: body, Capture: capture}
}

func truthy(r gjson.Result) bool {
	switch r.Type {
	case gjson.String:
		return r.Str != ""
	case gjson.Number:
		return r.Num != 0
	case gjson.True, gjson.JSON:
		return true
	default:
		return false
	}
}

func queryText(r gjson.Result) string {
	if r.Type == gjson.String {
		return r.Str
	}
	return r.Raw
}
