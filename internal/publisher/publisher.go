// Package publisher implements the Status Publisher (spec.md §4.C): it
// fans out status-change events to WebSocket subscribers, following the
// gorilla/websocket bounded-channel-per-connection pattern used across the
// retrieved pack (e.g. madmail, mailit).
package publisher

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/catemails/engine/internal/models"
)

// subscriberQueueSize bounds each subscriber's outgoing channel; a slow
// reader drops frames rather than blocking the publisher (spec.md §5).
const subscriberQueueSize = 64

const heartbeatInterval = 30 * time.Second

// Event is one message sent to subscribers.
type Event struct {
	Type    string      `json:"type"`
	Account string      `json:"account,omitempty"`
	Status  interface{} `json:"status,omitempty"`
	At      time.Time   `json:"at"`
}

// Snapshot supplies the initial burst of state a new subscriber receives
// before live events start flowing.
type Snapshot interface {
	ActiveAccounts() []string
	GetCurrent(account string) *models.AccountStatus
	RecentRuns(limit int) []*models.AccountStatus
}

type subscriber struct {
	conn *websocket.Conn
	out  chan Event
	done chan struct{}
}

// Publisher fans out AccountStatus change events to connected WebSocket
// clients, dropping frames for subscribers that fall behind.
type Publisher struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	snapshot    Snapshot
	log         *zap.Logger
}

// New returns a Publisher sourcing initial snapshots from snapshot.
func New(snapshot Snapshot, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{
		subscribers: make(map[*subscriber]struct{}),
		snapshot:    snapshot,
		log:         log,
	}
}

// Publish broadcasts ev to every current subscriber, dropping it for any
// subscriber whose outgoing channel is full.
func (p *Publisher) Publish(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for sub := range p.subscribers {
		select {
		case sub.out <- ev:
		default:
			p.log.Warn("dropping status event for slow subscriber", zap.String("type", ev.Type))
		}
	}
}

// Subscribe upgrades conn into a tracked subscriber, sends the initial
// snapshot, and runs its write pump until the connection closes or ctx'
// write loop exits. Blocks until the subscriber disconnects.
func (p *Publisher) Subscribe(conn *websocket.Conn) {
	sub := &subscriber{
		conn: conn,
		out:  make(chan Event, subscriberQueueSize),
		done: make(chan struct{}),
	}

	p.mu.Lock()
	p.subscribers[sub] = struct{}{}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.subscribers, sub)
		p.mu.Unlock()
		conn.Close()
	}()

	p.sendSnapshot(sub)

	go p.readPump(sub)
	p.writePump(sub)
}

// sendSnapshot pushes exactly one status_update frame on subscribe, current
// status or null if no account is processing (spec.md §4.C, §6.2): the
// scheduler runs at most one account at a time, so the first active account
// found, if any, is the one status this surface reports.
func (p *Publisher) sendSnapshot(sub *subscriber) {
	ev := Event{Type: "status_update", At: time.Now()}
	if p.snapshot != nil {
		for _, account := range p.snapshot.ActiveAccounts() {
			if status := p.snapshot.GetCurrent(account); status != nil {
				ev.Account = account
				ev.Status = status
				break
			}
		}
	}
	select {
	case sub.out <- ev:
	default:
	}
}

// readPump drains client frames; the only inbound message this surface
// expects is a get_recent_runs request (spec.md §6.2).
func (p *Publisher) readPump(sub *subscriber) {
	defer close(sub.done)
	for {
		_, data, err := sub.conn.ReadMessage()
		if err != nil {
			return
		}
		var req struct {
			Type  string `json:"type"`
			Limit int    `json:"limit"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		if req.Type == "get_recent_runs" && p.snapshot != nil {
			runs := p.snapshot.RecentRuns(req.Limit)
			select {
			case sub.out <- Event{Type: "recent_runs", Status: runs, At: time.Now()}:
			default:
			}
		}
	}
}

func (p *Publisher) writePump(sub *subscriber) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sub.done:
			return
		case ev, ok := <-sub.out:
			if !ok {
				return
			}
			if err := sub.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SubscriberCount returns the number of currently connected subscribers.
func (p *Publisher) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscribers)
}
