// Package protocol defines the wire schema shared by the tunnel server and
// client: a tagged message union demultiplexed by a request-scoped id.
//
// Within a single id, message order is preserved end to end. Across distinct
// ids no ordering is promised.
package protocol

// Message type discriminators.
const (
	// Server -> client.
	TypeRequestStart   = "request-start"
	TypeRequestData    = "request-data"
	TypeRequestEnd     = "request-end"
	TypeRequestAborted = "request-aborted"

	// Client -> server, except registered, which is the server's reply to
	// register.
	TypeRegister      = "register"
	TypeRegistered    = "registered"
	TypeResponseStart = "response-start"
	TypeResponseData  = "response-data"
	TypeResponseEnd   = "response-end"
	TypeResponseError = "response-error"

	// Tunnelled WebSocket lifecycle, forwarded transparently in both
	// directions.
	TypeWSOpened  = "ws-opened"
	TypeWSMessage = "ws-message"
	TypeWSClosed  = "ws-closed"
)

// Message is the tagged union carried over the tunnel transport. Type is the
// discriminant; ID scopes the message to one tunnelled request. Chunk is the
// opaque byte payload of data messages and is serialised by the codec layer,
// never by the struct's own JSON tags.
type Message struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	// register
	APIKey string `json:"apiKey,omitempty"`
	Domain string `json:"domain,omitempty"`

	// request-start
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	HasBody bool              `json:"hasBody,omitempty"`

	// response-start
	Status     int    `json:"status,omitempty"`
	StatusText string `json:"statusText,omitempty"`

	// response-error
	Reason string `json:"reason,omitempty"`

	// ws-opened / ws-message / ws-closed
	WSID   string `json:"wsId,omitempty"`
	Binary bool   `json:"binary,omitempty"`

	// request-data / response-data / ws-message payload. Excluded from the
	// struct's JSON form; each codec decides how chunk bytes travel.
	Chunk []byte `json:"-"`
}
