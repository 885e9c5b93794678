// Package ws provides WebSocket handling for live scan output.
//
// A client connects to /stream?session=<id> and receives the session's
// buffered output followed by live lines as the scanner produces them.
//
// Message Types (Server → Client):
//   - line: One output line; "replay" is set for buffered lines
//   - result: Terminal result with ok, message, and exit_code
//
// Example Usage:
//
//	handler := ws.NewHandler(sessionManager, logger)
//	router.GET("/stream", handler.HandleConnection)
package ws
