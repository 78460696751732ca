package apq

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticWatcher struct {
	enabled bool
	hashes  map[string]bool
}

func (w staticWatcher) Enabled() bool             { return w.enabled }
func (w staticWatcher) Watching(hash string) bool { return w.hashes[hash] }

var watchedHash = strings.Repeat("ab", 32)

func watching(hashes ...string) staticWatcher {
	w := staticWatcher{enabled: true, hashes: map[string]bool{}}
	for _, h := range hashes {
		w.hashes[h] = true
	}
	return w
}

func TestInspectPassthroughWithoutHash(t *testing.T) {
	bodies := []string{
		``,
		`not json`,
		`{"query":"{ a }"}`,
		`[{"extensions":{"persistedQuery":{"sha256Hash":"` + watchedHash + `"}}}]`,
		`{"extensions":{"persistedQuery":{}}}`,
		`{"extensions":{"persistedQuery":{"sha256Hash":""}}}`,
		`{"extensions":{"persistedQuery":{"sha256Hash":123}}}`,
		`{ "variables" : {"id": 1},   "extensions": null }`,
	}
	w := watching(watchedHash)
	for _, body := range bodies {
		res := Inspect(w, "https://api.example.com/graphql", []byte(body))
		assert.Equal(t, Passthrough, res.Outcome, body)
		assert.Equal(t, body, string(res.Body), "body must be byte-identical")
		assert.Nil(t, res.Capture)
	}
}

func TestInspectInvalidatesFirstPass(t *testing.T) {
	body := `{"extensions":{"persistedQuery":{"sha256Hash":"` + watchedHash + `"}}}`
	res := Inspect(watching(watchedHash), "/graphql", []byte(body))

	require.Equal(t, Invalidated, res.Outcome)
	assert.Equal(t, watchedHash, res.Hash)
	assert.JSONEq(t, `{"extensions":{"persistedQuery":{"sha256Hash":"1"}}}`, string(res.Body))
	assert.Nil(t, res.Capture)
}

func TestInspectInvalidationKeepsOtherFields(t *testing.T) {
	body := `{"operationName":"Feed","variables":{"first":10},"extensions":{"persistedQuery":{"version":1,"sha256Hash":"` + watchedHash + `"}}}`
	res := Inspect(watching(watchedHash), "/graphql", []byte(body))

	require.Equal(t, Invalidated, res.Outcome)
	assert.JSONEq(t, `{"operationName":"Feed","variables":{"first":10},"extensions":{"persistedQuery":{"version":1,"sha256Hash":"1"}}}`, string(res.Body))
}

func TestInspectCapturesRetry(t *testing.T) {
	query := "query Feed($first: Int) { feed(first: $first) { id } }"
	payload, err := json.Marshal(map[string]any{
		"query":         query,
		"operationName": "Feed",
		"variables":     map[string]any{"first": 10},
		"extensions":    map[string]any{"persistedQuery": map[string]any{"version": 1, "sha256Hash": watchedHash}},
	})
	require.NoError(t, err)

	res := Inspect(watching(watchedHash), "https://api.example.com/graphql", payload)

	require.Equal(t, Captured, res.Outcome)
	assert.Equal(t, payload, res.Body, "retry must not be rewritten")
	require.NotNil(t, res.Capture)
	assert.Equal(t, watchedHash, res.Capture.Hash)
	assert.Equal(t, query, res.Capture.Query)
	assert.Equal(t, "Feed", res.Capture.OperationName)
	assert.JSONEq(t, `{"first":10}`, string(res.Capture.Variables))
	assert.Equal(t, "https://api.example.com/graphql", res.Capture.URL)
	assert.Equal(t, StatusCaptured, res.Capture.Status)
}

func TestInspectIgnoresUnwatchedHash(t *testing.T) {
	body := `{"extensions":{"persistedQuery":{"sha256Hash":"` + strings.Repeat("cd", 32) + `"}}}`
	res := Inspect(watching(watchedHash), "/graphql", []byte(body))
	assert.Equal(t, Passthrough, res.Outcome)
	assert.Equal(t, body, string(res.Body))
}

func TestInspectDisabled(t *testing.T) {
	w := watching(watchedHash)
	w.enabled = false
	for _, body := range []string{
		`{"extensions":{"persistedQuery":{"sha256Hash":"` + watchedHash + `"}}}`,
		`{"query":"{ a }","extensions":{"persistedQuery":{"sha256Hash":"` + watchedHash + `"}}}`,
	} {
		res := Inspect(w, "/graphql", []byte(body))
		assert.Equal(t, Passthrough, res.Outcome)
		assert.Equal(t, body, string(res.Body))
		assert.Nil(t, res.Capture)
	}
}

func TestInspectEmptyQueryIsFirstPass(t *testing.T) {
	body := `{"query":"","extensions":{"persistedQuery":{"sha256Hash":"` + watchedHash + `"}}}`
	res := Inspect(watching(watchedHash), "/graphql", []byte(body))
	assert.Equal(t, Invalidated, res.Outcome)
}

func TestValidHash(t *testing.T) {
	assert.True(t, ValidHash(watchedHash))
	assert.True(t, ValidHash(strings.ToUpper(watchedHash)))
	assert.False(t, ValidHash(watchedHash[:63]))
	assert.False(t, ValidHash(strings.Repeat("zz", 32)))
}
