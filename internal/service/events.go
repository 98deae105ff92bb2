package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/loqalabs/loqa-readaloud/internal/bus"
	"github.com/loqalabs/loqa-readaloud/internal/pipeline"
	"github.com/loqalabs/loqa-readaloud/internal/protocol"
)

// EventPublisher mirrors pipeline state changes onto the bus.
type EventPublisher struct {
	bus    *bus.Client
	nodeID string
	log    *slog.Logger
}

func NewEventPublisher(busClient *bus.Client, nodeID string, log *slog.Logger) *EventPublisher {
	return &EventPublisher{bus: busClient, nodeID: nodeID, log: log.With(slog.String("component", "run-events"))}
}

func (p *EventPublisher) Observe(_ context.Context, evt pipeline.Event) {
	if p == nil || p.bus == nil {
		return
	}
	data, err := json.Marshal(RunEvent(evt, p.nodeID))
	if err != nil {
		p.log.Warn("failed to encode run event", slogError(err))
		return
	}
	if err := p.bus.Conn().Publish(protocol.SubjectRunStatePrefix+"."+evt.RunID, data); err != nil {
		p.log.Debug("failed to publish run event", slog.String("run_id", evt.RunID), slogError(err))
	}
}

// RunEvent converts a pipeline event to its wire form.
func RunEvent(evt pipeline.Event, nodeID string) protocol.RunEvent {
	msg := protocol.RunEvent{
		RunID:     evt.RunID,
		SourceURL: evt.SourceURL,
		State:     string(evt.State),
		FailedAt:  string(evt.FailedAt),
		Kind:      evt.Kind,
		Cause:     evt.Cause,
		NodeID:    nodeID,
		Timestamp: evt.At.UTC(),
	}
	if evt.State == pipeline.StateFailed && evt.Index >= 0 {
		idx := evt.Index
		msg.ChunkIndex = &idx
	}
	if evt.Artifact != nil {
		msg.ObjectID = evt.Artifact.ObjectID
		msg.Location = evt.Artifact.Location
	}
	return msg
}
