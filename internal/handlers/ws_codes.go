// internal/handlers/ws_codes.go
package handlers

import "github.com/coder/websocket"

// Custom WebSocket close codes used by the user and hub handlers.
const (
	BadSubprotocolError websocket.StatusCode = 3000 // Client connected with an unsupported subprotocol.
	ReplacedError       websocket.StatusCode = 3003 // A newer connection for the same actor took over.
	SlowConsumerError   websocket.StatusCode = 3004 // The outbound queue filled up.
)
