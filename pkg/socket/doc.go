// Package socket implements the relay's event protocol over WebSocket.
//
// Every text frame carries one JSON envelope. An event envelope names the
// event and may request an acknowledgement by carrying a positive id:
//
//	{"event": "conductor", "data": {...}, "id": 7}
//
// The receiver answers with an acknowledgement envelope for that id:
//
//	{"ack": 7, "data": 1}
//	{"ack": 7, "error": "session store unavailable"}
//
// Both ends of a connection speak the same protocol, so Conn serves the
// server side (see Server) and the client side (see Dial).
//
// Inbound events of one connection are handled one at a time in arrival
// order. Acknowledgements are consumed by the read loop, so a handler
// blocked waiting for an acknowledgement never stalls the connection.
package socket
