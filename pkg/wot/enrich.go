package wot

import (
	"github.com/fieldbridge/fieldbridge/pkg/protocol"
	"github.com/fieldbridge/fieldbridge/pkg/types"
)

// Enrich wraps an emitter so every record carries the thing identity, and
// records matching a described property carry its semantic annotations too.
// The wrapper is pure and never blocks.
func (t *Thing) Enrich(next protocol.Emitter) protocol.Emitter {
	byTopic := make(map[string]*Property, len(t.Properties))
	for i := range t.Properties {
		byTopic[t.Properties[i].Topic] = &t.Properties[i]
	}
	thingID, title := t.ID, t.Title

	return func(r *types.ProtocolRecord) {
		w := &types.WoTFields{ThingID: thingID, ThingTitle: title}
		if p, ok := byTopic[r.TopicOrPath]; ok {
			w.SemanticType = p.SemanticType
			w.UnitURI = p.UnitURI
		}
		r.WoT = w
		next(r)
	}
}
