package interceptor

import (
	"bytes"
	"io"
	"net/http"
)

// DefaultMaxBody: тела больше этого размера уходят без проверки.
const DefaultMaxBody = 1 << 20

// Transport оборачивает http.RoundTripper: каждый вызов проходит через
// Interceptor, ответ возвращается без изменений.
type Transport struct {
	Base        http.RoundTripper
	Interceptor *Interceptor
	MaxBody     int64
}

// NewTransport создает Transport поверх base (nil означает http.DefaultTransport).
func NewTransport(base http.RoundTripper, ic *Interceptor) *Transport {
	return &Transport{Base: base, Interceptor: ic, MaxBody: DefaultMaxBody}
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// RoundTrip реализует http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Interceptor == nil || req.Body == nil || req.Body == http.NoBody || !t.Interceptor.Snapshot().Enabled() {
		return t.base().RoundTrip(req)
	}

	limit := t.MaxBody
	if limit <= 0 {
		limit = DefaultMaxBody
	}
	head, err := io.ReadAll(io.LimitReader(req.Body, limit+1))
	if err != nil {
		_ = req.Body.Close()
		return nil, err
	}
	if int64(len(head)) > limit {
		out := req.Clone(req.Context())
		out.Body = &joinedBody{Reader: io.MultiReader(bytes.NewReader(head), req.Body), closer: req.Body}
		return t.base().RoundTrip(out)
	}
	_ = req.Body.Close()

	res := t.Interceptor.Intercept(req.URL.String(), head)
	return t.base().RoundTrip(withBody(req, res.Body))
}

func withBody(req *http.Request, body []byte) *http.Request {
	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	if out.Header.Get("Content-Length") != "" {
		out.Header.Del("Content-Length")
	}
	return out
}

type joinedBody struct {
	io.Reader
	closer io.Closer
}

func (b *joinedBody) Close() error { return b.closer.Close() }
