// Package events fans campaign and transaction state changes out to
// interested subscribers, in process and optionally across instances.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/donation_ledger/internal/app/metrics"
)

// Type names a state change.
type Type string

const (
	TypeCampaignCreated       Type = "campaign.created"
	TypeCampaignActivated     Type = "campaign.activated"
	TypeCampaignStatusChanged Type = "campaign.status_changed"
	TypeTransactionCreated    Type = "transaction.created"
	TypeTransactionUpdated    Type = "transaction.status_changed"
)

// Event is one published state change.
type Event struct {
	ID            string          `json:"id"`
	Type          Type            `json:"type"`
	CampaignID    string          `json:"campaign_id"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Status        string          `json:"status"`
	Data          json.RawMessage `json:"data,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Origin        string          `json:"origin,omitempty"`
}

// New builds an event, encoding data as its payload. Unencodable data is
// dropped rather than failing the state change that produced it.
func New(typ Type, campaignID, transactionID, status string, data any) Event {
	ev := Event{
		ID:            uuid.NewString(),
		Type:          typ,
		CampaignID:    campaignID,
		TransactionID: transactionID,
		Status:        status,
		OccurredAt:    time.Now().UTC(),
	}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			ev.Data = raw
		}
	}
	return ev
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

type subscriber struct {
	campaignID string
	ch         chan Event
}

// Hub delivers events to in-process subscribers. A subscriber that is not
// draining its channel misses events instead of blocking the publisher.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	next   uint64
	buffer int
	closed bool
}

var _ Publisher = (*Hub)(nil)

// NewHub creates a hub. buffer <= 0 selects DefaultBuffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{subs: make(map[uint64]*subscriber), buffer: buffer}
}

// Subscribe registers a subscriber for one campaign, or for every campaign
// when campaignID is empty. The returned cancel func closes the channel and
// is safe to call more than once.
func (h *Hub) Subscribe(campaignID string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = &subscriber{campaignID: campaignID, ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() { h.remove(id) })
	}
}

// Publish delivers ev to every matching subscriber without blocking.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if sub.campaignID != "" && sub.campaignID != ev.CampaignID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			metrics.RecordDroppedEvent()
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close closes every subscriber channel and rejects new subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		close(sub.ch)
		delete(h.subs, id)
	}
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub, ok := h.subs[id]; ok {
		close(sub.ch)
		delete(h.subs, id)
	}
}
