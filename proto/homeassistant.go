package proto

// Home Assistant websocket API envelope types.
// https://developers.home-assistant.io/docs/api/websocket
const (
	HATypeAuthRequired = "auth_required"
	HATypeAuth         = "auth"
	HATypeAuthOK       = "auth_ok"
	HATypeAuthInvalid  = "auth_invalid"
)

// HAMessage is the minimal envelope Home Assistant sends during the auth
// handshake and in command results. Only the fields the bridge inspects are
// decoded; everything else stays in the raw frame.
type HAMessage struct {
	Type      string `json:"type"`
	HAVersion string `json:"ha_version,omitempty"` // present on auth_required/auth_ok
	Message   string `json:"message,omitempty"`    // human-readable reason on auth_invalid
}

// AuthRequest is the client reply to an auth_required frame.
type AuthRequest struct {
	Type        string `json:"type"` // always "auth"
	AccessToken string `json:"access_token"`
}

// ServiceData carries the automation entity a command triggers.
type ServiceData struct {
	EntityID string `json:"entity_id"`
}

// Command is one outbound call_service frame destined for Home Assistant.
// Immutable once enqueued. The id is purely informational to the peer and is
// never used for ordering or deduplication.
type Command struct {
	ID          int64       `json:"id"`
	Type        string      `json:"type"`    // always "call_service"
	Domain      string      `json:"domain"`  // always "automation"
	Service     string      `json:"service"` // always "trigger"
	ServiceData ServiceData `json:"service_data"`
}

// NewCommand builds a call_service frame triggering the named automation.
func NewCommand(id int64, entityID string) Command {
	return Command{
		ID:          id,
		Type:        "call_service",
		Domain:      "automation",
		Service:     "trigger",
		ServiceData: ServiceData{EntityID: entityID},
	}
}
