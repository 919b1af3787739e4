package proto

import (
	"encoding/json"
	"fmt"
)

// NotifyMethod is the JSON-RPC method Kodi emits for keymap entries built
// around NotifyAll("kodi2home", "kodi_call_home", {...}).
const NotifyMethod = "Other.kodi_call_home"

// KodiRequest is an outbound JSON-RPC 2.0 request to Kodi.
type KodiRequest struct {
	JSONRPC string `json:"jsonrpc"` // always "2.0"
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewKodiRequest builds a JSON-RPC 2.0 request frame.
func NewKodiRequest(id int64, method string, params any) KodiRequest {
	return KodiRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
}

// KodiError is the error object of a failed JSON-RPC call.
type KodiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *KodiError) Error() string {
	return fmt.Sprintf("kodi rpc error %d: %s", e.Code, e.Message)
}

// KodiFrame is any inbound frame on the Kodi socket. Responses carry an id
// and result/error; server-initiated notifications carry a method and params.
type KodiFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *KodiError      `json:"error,omitempty"`
}

// IsNotification reports whether the frame is a server-initiated
// notification rather than a response to one of our requests.
func (f *KodiFrame) IsNotification() bool {
	return f.Method != "" && f.ID == nil
}

// NotificationParams is the payload of a NotifyAll-style notification.
type NotificationParams struct {
	Sender string         `json:"sender"`
	Data   map[string]any `json:"data"`
}
