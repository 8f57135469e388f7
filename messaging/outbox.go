package messaging

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fieldops/store"
)

// OutboxStore is the outbox table as the drainer sees it.
type OutboxStore interface {
	ListPendingOutbox(limit int) ([]*store.OutboxMessage, error)
	AckOutbox(id int64) error
	IncrementOutboxRetries(id int64) error
}

type Publisher interface {
	Publish(topic, key string, payload []byte) error
	IsConnected() bool
}

const drainBatch = 100

// OutboxDrainer periodically sends pending outbox messages in commit order.
type OutboxDrainer struct {
	db       OutboxStore
	pub      Publisher
	interval time.Duration
	log      zerolog.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewOutboxDrainer(db OutboxStore, pub Publisher, interval time.Duration, log zerolog.Logger) *OutboxDrainer {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &OutboxDrainer{
		db:       db,
		pub:      pub,
		interval: interval,
		log:      log.With().Str("component", "outbox").Logger(),
		stopChan: make(chan struct{}),
	}
}

func (d *OutboxDrainer) Start() {
	d.wg.Add(1)
	go d.drainLoop()
}

func (d *OutboxDrainer) Stop() {
	select {
	case <-d.stopChan:
	default:
		close(d.stopChan)
	}
	d.wg.Wait()
}

func (d *OutboxDrainer) drainLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopChan:
			return
		case <-ticker.C:
			d.Drain()
		}
	}
}

// Drain publishes one batch and returns how many messages were acked. It
// stops at the first failure so later messages never overtake it.
func (d *OutboxDrainer) Drain() int {
	if !d.pub.IsConnected() {
		return 0
	}
	msgs, err := d.db.ListPendingOutbox(drainBatch)
	if err != nil {
		d.log.Error().Err(err).Msg("list pending")
		return 0
	}
	sent := 0
	for _, msg := range msgs {
		if err := d.pub.Publish(msg.Topic, msg.NodeID, msg.Payload); err != nil {
			d.log.Warn().Err(err).Int64("id", msg.ID).Str("topic", msg.Topic).Int("retries", msg.Retries+1).Msg("publish failed")
			if err := d.db.IncrementOutboxRetries(msg.ID); err != nil {
				d.log.Error().Err(err).Int64("id", msg.ID).Msg("count retry")
			}
			break
		}
		if err := d.db.AckOutbox(msg.ID); err != nil {
			d.log.Error().Err(err).Int64("id", msg.ID).Msg("ack")
			break
		}
		sent++
	}
	if sent > 0 {
		d.log.Debug().Int("sent", sent).Msg("outbox drained")
	}
	return sent
}
