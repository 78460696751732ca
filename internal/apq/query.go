package apq

import (
	"errors"
	"regexp"
	"strings"
)

var (
	ErrEmptyQuery         = errors.New("query must be a non-empty string")
	ErrUnbalanced         = errors.New("unbalanced brackets")
	ErrUnbalancedBraces   = errors.New("unbalanced curly braces")
	ErrUnbalancedParens   = errors.New("unbalanced parentheses")
	ErrUnbalancedBrackets = errors.New("unbalanced square brackets")
)

var operationRe = regexp.MustCompile(`(?:query|mutation|subscription)\s+(\w+)`)

// ValidateQuery проверяет только баланс {}, () и []; полноценный разбор GraphQL не выполняется.
func ValidateQuery(query string) error {
	if query == "" {
		return ErrEmptyQuery
	}
	var braces, parens, brackets int
	for _, ch := range query {
		switch ch {
		case '{':
			braces++
		case '}':
			braces--
		case '(':
			parens++
		case ')':
			parens--
		case '[':
			brackets++
		case ']':
			brackets--
		}
		if braces < 0 || parens < 0 || brackets < 0 {
			return ErrUnbalanced
		}
	}
	switch {
	case braces != 0:
		return ErrUnbalancedBraces
	case parens != 0:
		return ErrUnbalancedParens
	case brackets != 0:
		return ErrUnbalancedBrackets
	}
	return nil
}

// OperationName извлекает имя операции из текста запроса для отображения.
func OperationName(query string) string {
	if query == "" {
		return "Unnamed"
	}
	if m := operationRe.FindStringSubmatch(query); len(m) > 1 {
		return m[1]
	}
	switch {
	case strings.Contains(query, "mutation"):
		return "Mutation"
	case strings.Contains(query, "subscription"):
		return "Subscription"
	case strings.Contains(query, "query"):
		return "Query"
	}
	return "Operation"
}
