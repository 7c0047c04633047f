package broadcast

import (
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/mahaj/roomchat/pkg/model"
)

type Scope string

const (
	// ScopeRoom reaches connections joined to RoomID.
	ScopeRoom Scope = "room"
	// ScopeAll reaches every connection. Only presence uses it.
	ScopeAll Scope = "all"
	// ScopeUsers reaches every connection of UserIDs.
	ScopeUsers Scope = "users"
	// ScopeEvict carries no frame: it unsubscribes UserIDs' connections
	// from RoomID.
	ScopeEvict Scope = "evict"
)

// Envelope is a routed event as it travels between gateways.
type Envelope struct {
	ID          string          `json:"id"`
	Scope       Scope           `json:"scope"`
	RoomID      int64           `json:"room_id,omitempty"`
	UserIDs     []int64         `json:"user_ids,omitempty"`
	ExcludeUser int64           `json:"exclude_user,omitempty"`
	Event       model.EventType `json:"event,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

func newEnvelope(scope Scope, event model.EventType, payload any) (Envelope, error) {
	env := Envelope{ID: ulid.Make().String(), Scope: scope, Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		env.Data = data
	}
	return env, nil
}

// Frame renders the client-facing frame.
func (e Envelope) Frame() ([]byte, error) {
	return json.Marshal(model.Frame{Event: e.Event, Data: e.Data})
}
