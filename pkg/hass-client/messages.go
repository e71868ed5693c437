package hassclient

import (
	"encoding/json"
	"fmt"
	"time"
)

// message holds the fields shared by every command sent to the hub. The id is
// omitted only for the auth message, which is sent before the connection is
// considered ready.
type message struct {
	ID   uint64 `json:"id,omitempty"`
	Type string `json:"type"`
}

// Operation is one command from the websocket command set. The set is closed:
// callers construct one of the exported operation types and hand it to
// Client.Request.
type Operation interface {
	wire(id uint64) any
}

type authOperation struct {
	token string
}

func (op authOperation) wire(uint64) any {
	return authMessage{Type: "auth", AccessToken: op.token}
}

type authMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

// GetStates requests the current state of every entity.
type GetStates struct{}

func (GetStates) wire(id uint64) any {
	return message{ID: id, Type: "get_states"}
}

// ListAreas requests the area registry.
type ListAreas struct{}

func (ListAreas) wire(id uint64) any {
	return message{ID: id, Type: "config/area_registry/list"}
}

// ListEntities requests the entity registry.
type ListEntities struct{}

func (ListEntities) wire(id uint64) any {
	return message{ID: id, Type: "config/entity_registry/list"}
}

// ListDevices requests the device registry.
type ListDevices struct{}

func (ListDevices) wire(id uint64) any {
	return message{ID: id, Type: "config/device_registry/list"}
}

// SubscribeEvents subscribes to server-pushed events, optionally filtered to
// a single event type. The client issues one of these for state_changed
// automatically after authentication.
type SubscribeEvents struct {
	EventType string
}

func (op SubscribeEvents) wire(id uint64) any {
	return subscribeEventsMessage{
		message:   message{ID: id, Type: "subscribe_events"},
		EventType: op.EventType,
	}
}

type subscribeEventsMessage struct {
	message
	EventType string `json:"event_type,omitempty"`
}

// CallService invokes a service on a target entity. Data carries the
// service-specific payload; see services.go for typed constructors.
type CallService struct {
	Domain  string
	Service string
	Target  string
	Data    any
}

func (op CallService) wire(id uint64) any {
	return callServiceMessage{
		message:     message{ID: id, Type: "call_service"},
		Domain:      op.Domain,
		Service:     op.Service,
		Target:      serviceTarget{EntityID: op.Target},
		ServiceData: op.Data,
	}
}

type callServiceMessage struct {
	message
	Domain      string        `json:"domain"`
	Service     string        `json:"service"`
	Target      serviceTarget `json:"target"`
	ServiceData any           `json:"service_data,omitempty"`
}

type serviceTarget struct {
	EntityID string `json:"entity_id"`
}

// Inbound frame discriminants.
const (
	typeAuthRequired = "auth_required"
	typeAuthOK       = "auth_ok"
	typeAuthInvalid  = "auth_invalid"
	typeResult       = "result"
	typeEvent        = "event"
)

// response is parsed exactly once per inbound frame. Result and Event keep
// the raw payload bytes, so field-level decoding happens at most once more,
// at the consumer.
type response struct {
	ID      uint64          `json:"id"`
	Type    string          `json:"type"`
	Success *bool           `json:"success"`
	Result  json.RawMessage `json:"result"`
	Event   json.RawMessage `json:"event"`
	Error   *ResultError    `json:"error"`
	Message string          `json:"message"`
}

// ResultError is the failure payload of an unsuccessful result frame.
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("command failed: %s (%s)", e.Message, e.Code)
}

// EventStateChanged is the event type the client subscribes to on connect.
const EventStateChanged = "state_changed"

type eventMessage struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

// Event is one server-pushed event as delivered to subscribers.
type Event struct {
	Type string
	// StateChange is populated when Type is EventStateChanged.
	StateChange StateChange
	// Raw is the event's data payload exactly as received.
	Raw json.RawMessage
}

// StateChange describes one entity's transition. OldState and NewState keep
// the raw state+attributes payloads for the domain layer to decode.
type StateChange struct {
	EntityID string          `json:"entity_id"`
	OldState json.RawMessage `json:"old_state"`
	NewState json.RawMessage `json:"new_state"`
}

// State is one entry of a get_states result.
type State struct {
	EntityID    string          `json:"entity_id"`
	State       string          `json:"state"`
	Attributes  json.RawMessage `json:"attributes"`
	LastChanged time.Time       `json:"last_changed"`
	LastUpdated time.Time       `json:"last_updated"`
}

// Area is one entry of the area registry.
type Area struct {
	AreaID  string   `json:"area_id"`
	Name    string   `json:"name"`
	Picture *string  `json:"picture"`
	Aliases []string `json:"aliases"`
}

// EntityEntry is one entry of the entity registry.
type EntityEntry struct {
	EntityID     string  `json:"entity_id"`
	Name         *string `json:"name"`
	OriginalName string  `json:"original_name"`
	Platform     string  `json:"platform"`
	AreaID       *string `json:"area_id"`
	DeviceID     *string `json:"device_id"`
	DisabledBy   *string `json:"disabled_by"`
	Icon         *string `json:"icon"`
}

// Device is one entry of the device registry.
type Device struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	NameByUser   *string `json:"name_by_user"`
	Manufacturer string  `json:"manufacturer"`
	Model        *string `json:"model"`
	AreaID       *string `json:"area_id"`
	SWVersion    *string `json:"sw_version"`
	ViaDeviceID  *string `json:"via_device_id"`
}
