package feed

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"arcline/internal/config"
	"arcline/internal/domain"
	"arcline/internal/realtime"
)

// Router turns changes from a Source into hub envelopes according to the
// configured table to event mapping. It implements realtime.Upstream.
type Router struct {
	source Source
	routes map[string]realtime.EventType
	log    zerolog.Logger
}

func NewRouter(source Source, sources []config.SourceConfig, log zerolog.Logger) (*Router, error) {
	routes := map[string]realtime.EventType{}
	for _, src := range sources {
		evt := realtime.ParseEventType(src.Event)
		if evt == realtime.EventUnknown {
			return nil, fmt.Errorf("realtime source %s: unknown event %q", src.Table, src.Event)
		}
		ops := src.Ops
		if len(ops) == 0 {
			ops = []string{"INSERT"}
		}
		for _, op := range ops {
			routes[routeKey(src.Table, op)] = evt
		}
	}
	return &Router{source: source, routes: routes, log: log}, nil
}

func routeKey(table, op string) string {
	return table + "/" + strings.ToUpper(op)
}

func (r *Router) Name() string { return r.source.Name() }

// Route returns the envelope for c, or false when no event is mapped to it.
func (r *Router) Route(c domain.Change) (realtime.Envelope, bool) {
	evt, ok := r.routes[routeKey(c.Source, c.Op)]
	if !ok {
		return realtime.Envelope{}, false
	}
	return realtime.Envelope{Type: evt, Payload: c.Row}, true
}

func (r *Router) Subscribe(ctx context.Context, publish func(realtime.Envelope)) error {
	return r.source.Start(ctx, func(c domain.Change) {
		env, ok := r.Route(c)
		if !ok {
			r.log.Debug().Str("source", c.Source).Str("op", c.Op).Msg("unrouted change")
			return
		}
		publish(env)
	})
}
