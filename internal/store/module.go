package store

import (
	"context"
	"errors"
	"time"

	"apqcapture/internal/apq"
	"apqcapture/internal/core"
)

var errNoEnabled = errors.New("enabled is required")

// HostProbe возвращает сведения о хосте для getStatus.
type HostProbe func(ctx context.Context) (any, error)

// Module обслуживает действия хранилища через core.Registry.
type Module struct {
	store   *Store
	hub     *Hub
	host    HostProbe
	started time.Time
}

// NewModule создает модуль действий; hub и host необязательны.
func NewModule(s *Store, hub *Hub, host HostProbe) *Module {
	return &Module{store: s, hub: hub, host: host, started: time.Now()}
}

func (m *Module) Name() string { return "store" }

func (m *Module) Init(ctx context.Context) error { return m.store.Init(ctx) }

func (m *Module) Actions() []string {
	return []string{
		core.ActionAddHash,
		core.ActionRemoveHash,
		core.ActionGetTrackedHashes,
		core.ActionGetCapturedQueries,
		core.ActionClearQueries,
		core.ActionClearHashes,
		core.ActionSetEnabled,
		core.ActionGetEnabled,
		core.ActionCaptureQuery,
		core.ActionGetStatus,
	}
}

func (m *Module) Handle(ctx context.Context, req core.Request) (core.Response, error) {
	switch req.Action {
	case core.ActionAddHash:
		return done(m.store.AddHash(ctx, req.Hash))
	case core.ActionRemoveHash:
		return done(m.store.RemoveHash(ctx, req.Hash))
	case core.ActionClearHashes:
		return done(m.store.ClearHashes(ctx))
	case core.ActionClearQueries:
		return done(m.store.ClearQueries(ctx))
	case core.ActionSetEnabled:
		if req.Enabled == nil {
			return core.Response{}, errNoEnabled
		}
		return done(m.store.SetEnabled(ctx, *req.Enabled))
	case core.ActionCaptureQuery:
		return done(m.store.CaptureQuery(ctx, req.Data))
	case core.ActionGetTrackedHashes:
		hashes, err := m.store.TrackedHashes(ctx)
		if err != nil {
			return core.Response{}, err
		}
		return core.Response{Hashes: hashes}, nil
	case core.ActionGetCapturedQueries:
		queries, err := m.store.CapturedQueries(ctx)
		if err != nil {
			return core.Response{}, err
		}
		return core.Response{Queries: queries}, nil
	case core.ActionGetEnabled:
		enabled, err := m.store.Enabled(ctx)
		if err != nil {
			return core.Response{}, err
		}
		return core.Response{Enabled: &enabled}, nil
	case core.ActionGetStatus:
		st, err := m.status(ctx)
		if err != nil {
			return core.Response{}, err
		}
		return core.Response{Status: st}, nil
	}
	return core.Response{}, core.ErrUnknownAction
}

func (m *Module) status(ctx context.Context) (*core.Status, error) {
	hashes, err := m.store.TrackedHashes(ctx)
	if err != nil {
		return nil, err
	}
	queries, err := m.store.CapturedQueries(ctx)
	if err != nil {
		return nil, err
	}
	enabled, err := m.store.Enabled(ctx)
	if err != nil {
		return nil, err
	}
	st := &core.Status{
		Tracked: len(hashes),
		Enabled: enabled,
		Uptime:  int64(time.Since(m.started).Seconds()),
	}
	for _, q := range queries {
		switch q.Status {
		case apq.StatusCaptured:
			st.Captured++
		case apq.StatusPending:
			st.Pending++
		}
	}
	if m.hub != nil {
		st.Contexts = len(m.hub.Contexts())
	}
	if m.host != nil {
		if info, err := m.host(ctx); err == nil {
			st.Host = info
		}
	}
	return st, nil
}

func done(err error) (core.Response, error) {
	if err != nil {
		return core.Response{}, err
	}
	return core.OK(), nil
}
