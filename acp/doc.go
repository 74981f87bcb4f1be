// Package acp implements the client side of the Agent Control Protocol
// wire format: JSON-RPC 2.0, one JSON document per text frame, spoken over
// a WebSocket negotiated with the Subprotocol token.
//
// The package has two responsibilities:
//   - the frame codec: serializing outbound commands and defensively
//     parsing inbound frames (a parse failure is reported to the caller,
//     who drops the frame; it never tears down the connection)
//   - the classification pass: every successfully parsed frame is turned
//     into a tagged Kind in one place, so the loosely-typed payload shapes
//     different agent implementations emit are sniffed exactly once
package acp
