package core

import (
	"fmt"
	"strings"
)

// Subject описывает источник сообщения и его идентификатор.
type Subject struct {
	Source string
	ID     string
}

// Authorizer отвечает за решение доступа к действию.
type Authorizer interface {
	Authorize(subject Subject, action string) error
}

// ReadOnlyAction сообщает, что действие не меняет состояние.
func ReadOnlyAction(action string) bool {
	return strings.HasPrefix(action, "get")
}

// AllowlistAuthorizer реализует deny-by-default по source/id.
// Субъекты из readOnly получают только действия чтения.
type AllowlistAuthorizer struct {
	allowed  map[string]map[string]struct{}
	readOnly map[string]struct{}
}

// NewAllowlistAuthorizer создает authorizer из map[source][]id.
func NewAllowlistAuthorizer(src map[string][]string, readOnly []string) *AllowlistAuthorizer {
	allowed := make(map[string]map[string]struct{}, len(src))
	for source, ids := range src {
		idSet := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			if id == "" {
				continue
			}
			idSet[id] = struct{}{}
		}
		allowed[source] = idSet
	}
	ro := make(map[string]struct{}, len(readOnly))
	for _, id := range readOnly {
		ro[id] = struct{}{}
	}
	return &AllowlistAuthorizer{allowed: allowed, readOnly: ro}
}

// Authorize возвращает ошибку, если subject не в allowlist.
func (a *AllowlistAuthorizer) Authorize(subject Subject, action string) error {
	if subject.Source == "" || subject.ID == "" {
		return fmt.Errorf("empty subject: %w", errInvalidArguments)
	}
	bySource, ok := a.allowed[subject.Source]
	if !ok {
		return fmt.Errorf("source %s is not allowed", subject.Source)
	}
	if _, ok := bySource[subject.ID]; !ok {
		return fmt.Errorf("subject %s/%s is not allowed", subject.Source, subject.ID)
	}
	if _, ro := a.readOnly[subject.ID]; ro && !ReadOnlyAction(action) {
		return fmt.Errorf("subject %s/%s is read-only, %s denied", subject.Source, subject.ID, action)
	}
	return nil
}

// AllowAll пропускает любой запрос; используется локальными транспортами (CLI, контексты просмотра).
type AllowAll struct{}

func (AllowAll) Authorize(Subject, string) error { return nil }
