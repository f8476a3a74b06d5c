// Package wsstream implements the symmetric duplex transport over
// WebSocket. Each text frame is one sealed envelope in base64url form; the
// subprotocol name is negotiated so both ends agree they are speaking the
// sealed-envelope protocol rather than raw JSON-RPC.
package wsstream

// Subprotocol is the WebSocket subprotocol both ends must negotiate.
const Subprotocol = "mcp"
