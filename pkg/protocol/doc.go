// Package protocol defines the socket events exchanged between relay
// participants and the server, and the payloads they carry.
package protocol
