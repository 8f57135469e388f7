package messaging

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"fieldops/dispatch"
	"fieldops/livestate"
	"fieldops/protocol"
	"fieldops/store"
)

type LocationReporter interface {
	ReportLocation(ctx context.Context, orgID string, p protocol.LocationPing) (*livestate.ETA, error)
}

type StatusApplier interface {
	ApplyStatus(ctx context.Context, orgID string, upd dispatch.StatusUpdate) (*store.WorkOrder, error)
}

type EnvelopePublisher interface {
	PublishEnvelope(topic, key string, env interface{ Encode() ([]byte, error) }) error
}

const handleTimeout = 10 * time.Second

// DeviceHandler handles technician device traffic from the telemetry topic:
// pings go to live tracking, status posts to the coordinator, and refused
// status posts are answered on the routes topic.
type DeviceHandler struct {
	protocol.NoOpHandler

	tracker    LocationReporter
	statuses   StatusApplier
	pub        EnvelopePublisher
	replyTopic string
	nodeID     string
	log        zerolog.Logger
}

func NewDeviceHandler(tracker LocationReporter, statuses StatusApplier, pub EnvelopePublisher, replyTopic, nodeID string, log zerolog.Logger) *DeviceHandler {
	return &DeviceHandler{
		tracker:    tracker,
		statuses:   statuses,
		pub:        pub,
		replyTopic: replyTopic,
		nodeID:     nodeID,
		log:        log.With().Str("component", "device_handler").Logger(),
	}
}

// DeviceFilter accepts only device-originated messages addressed to an org.
func DeviceFilter(hdr *protocol.RawHeader) bool {
	return hdr.Src.Role == protocol.RoleDevice && hdr.Src.Org != ""
}

func (h *DeviceHandler) HandleLocationPing(env *protocol.Envelope, p *protocol.LocationPing) {
	if p.TechnicianID == "" {
		p.TechnicianID = env.Src.Node
	}
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	if _, err := h.tracker.ReportLocation(ctx, env.Src.Org, *p); err != nil {
		h.log.Warn().Err(err).Str("org", env.Src.Org).Str("technician", p.TechnicianID).Msg("location ping")
	}
}

func (h *DeviceHandler) HandleJobStatus(env *protocol.Envelope, p *protocol.JobStatus) {
	if p.TechnicianID == "" {
		p.TechnicianID = env.Src.Node
	}
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	_, err := h.statuses.ApplyStatus(ctx, env.Src.Org, dispatch.StatusUpdate{
		TechnicianID: p.TechnicianID,
		JobID:        p.JobID,
		Event:        p.Event,
		Reason:       p.Reason,
		At:           p.Timestamp,
	})
	if err == nil {
		return
	}
	h.log.Info().Err(err).Str("org", env.Src.Org).Str("technician", p.TechnicianID).
		Str("job", p.JobID).Str("event", p.Event).Msg("job status rejected")

	reply, rerr := protocol.NewReply(protocol.TypeJobStatusRejected,
		protocol.Address{Role: protocol.RoleCore, Node: h.nodeID, Org: env.Src.Org},
		env.Src,
		env.ID,
		&protocol.JobStatusRejected{JobID: p.JobID, Event: p.Event, Error: err.Error()},
	)
	if rerr != nil {
		h.log.Error().Err(rerr).Msg("build rejection")
		return
	}
	if err := h.pub.PublishEnvelope(h.replyTopic, p.TechnicianID, reply); err != nil {
		h.log.Warn().Err(err).Str("technician", p.TechnicianID).Msg("publish rejection")
	}
}

// Consumer feeds one topic into a protocol ingestor.
type Consumer struct {
	client   *Client
	topic    string
	ingestor *protocol.Ingestor
}

func NewConsumer(client *Client, topic string, ingestor *protocol.Ingestor) *Consumer {
	return &Consumer{client: client, topic: topic, ingestor: ingestor}
}

func (c *Consumer) Start() error {
	return c.client.Subscribe(c.topic, func(_ string, payload []byte) {
		c.ingestor.HandleRaw(payload)
	})
}
