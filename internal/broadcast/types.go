package broadcast

import (
	"context"
	"strings"
	"time"
)

// TTL bounds in minutes. Requests outside this range are rejected at create.
const (
	MinTTLMinutes = 1
	MaxTTLMinutes = 720
)

// Actor identifies who claims or resolves a request. ID is the stable
// identity used for permission checks; Name is display-only.
type Actor struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// DeliveryRef points at one already-sent copy of a request, used to target
// in-place edits during fan-out.
type DeliveryRef struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int   `json:"message_id"`
}

// Request is a single claimable, time-bounded broadcast.
//
// ID, Text, CreatedAt and TTLMinutes are immutable after creation. Done and
// Expired are monotonic (set at most once, never reset). ClaimedBy may only
// change while the request is non-terminal.
type Request struct {
	ID         string        `json:"id"`
	Text       string        `json:"text"`
	CreatedAt  time.Time     `json:"created_at"`
	TTLMinutes int           `json:"ttl_min"`
	Deliveries []DeliveryRef `json:"deliveries,omitempty"`
	ClaimedBy  *Actor        `json:"claimed_by,omitempty"`
	Done       bool          `json:"done"`
	Expired    bool          `json:"expired"`
}

// Deadline is derived, never stored.
func (r *Request) Deadline() time.Time {
	return r.CreatedAt.Add(time.Duration(r.TTLMinutes) * time.Minute)
}

// Terminal reports whether the request accepts no further transitions.
func (r *Request) Terminal() bool { return r.Done || r.Expired }

// ShortID returns the first uuid group, enough to reference a request in chat.
func (r *Request) ShortID() string { return ShortID(r.ID) }

func ShortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}

func (r *Request) clone() *Request {
	cp := *r
	if r.Deliveries != nil {
		cp.Deliveries = append([]DeliveryRef(nil), r.Deliveries...)
	}
	if r.ClaimedBy != nil {
		a := *r.ClaimedBy
		cp.ClaimedBy = &a
	}
	return &cp
}

// Receipt reports the outcome of an initial fan-out: how many chats got
// their copy and how many failed. Partial failure is expected and non-fatal.
type Receipt struct {
	OK     int
	Failed int
}

// Summary is a point-in-time count of requests by state.
type Summary struct {
	Total   int
	Open    int
	Claimed int
	Done    int
	Expired int
	Chats   int
}

// State is the durable snapshot: the chat registry plus every request.
// Loads must tolerate unknown future fields.
type State struct {
	SavedAt  time.Time           `json:"saved_at"`
	Chats    []int64             `json:"chats"`
	Requests map[string]*Request `json:"requests"`
}

// StateStore persists the whole State on every successful mutation and loads
// it back at startup. Implementations must write atomically (temp file plus
// rename, or a transaction) so a crash never leaves a partial snapshot.
type StateStore interface {
	Save(ctx context.Context, st State) error
	Load(ctx context.Context) (State, bool, error)
	Close() error
}
