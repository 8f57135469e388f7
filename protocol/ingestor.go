package protocol

import (
	"encoding/json"

	"github.com/rs/zerolog"
)

// FilterFunc returns true if the message should be processed.
type FilterFunc func(hdr *RawHeader) bool

// MessageHandler defines callbacks for all protocol message types.
// Embed NoOpHandler and override only the methods you need.
type MessageHandler interface {
	// Device -> Core
	HandleLocationPing(env *Envelope, p *LocationPing)
	HandleJobStatus(env *Envelope, p *JobStatus)

	// Core -> Device
	HandleRouteUpdate(env *Envelope, p *RouteUpdate)
	HandleJobStatusRejected(env *Envelope, p *JobStatusRejected)

	// Core -> Consumer
	HandleScheduleEvent(env *Envelope, p *ScheduleEvent)
}

// Ingestor performs two-phase decode and dispatches to a MessageHandler.
type Ingestor struct {
	handler MessageHandler
	filter  FilterFunc
	log     zerolog.Logger
}

func NewIngestor(handler MessageHandler, filter FilterFunc, log zerolog.Logger) *Ingestor {
	return &Ingestor{
		handler: handler,
		filter:  filter,
		log:     log.With().Str("component", "protocol").Logger(),
	}
}

// HandleRaw is the entry point for raw message bytes from the messaging layer.
func (ing *Ingestor) HandleRaw(data []byte) {
	// Phase 1: routing header only
	var hdr RawHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		ing.log.Warn().Err(err).Msg("header decode error")
		return
	}
	if IsExpiredHeader(&hdr) {
		ing.log.Debug().Str("id", hdr.ID).Str("type", hdr.Type).Msg("dropping expired message")
		return
	}
	if ing.filter != nil && !ing.filter(&hdr) {
		return
	}

	// Phase 2: full envelope
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		ing.log.Warn().Err(err).Msg("envelope decode error")
		return
	}

	switch env.Type {
	case TypeLocationPing:
		decodeAndCall(ing, ing.handler.HandleLocationPing, &env)
	case TypeJobStatus:
		decodeAndCall(ing, ing.handler.HandleJobStatus, &env)
	case TypeRouteUpdate:
		decodeAndCall(ing, ing.handler.HandleRouteUpdate, &env)
	case TypeJobStatusRejected:
		decodeAndCall(ing, ing.handler.HandleJobStatusRejected, &env)
	case TypeScheduleEvent:
		decodeAndCall(ing, ing.handler.HandleScheduleEvent, &env)
	default:
		ing.log.Warn().Str("type", env.Type).Msg("unknown message type")
	}
}

func decodeAndCall[T any](ing *Ingestor, fn func(*Envelope, *T), env *Envelope) {
	var p T
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		ing.log.Warn().Err(err).Str("type", env.Type).Msg("payload decode error")
		return
	}
	fn(env, &p)
}
