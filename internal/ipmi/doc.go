// Package ipmi implements the client side of IPMI v2.0 over RMCP+
// (IPMI v2.0 specification, Section 13).
//
// This includes the per-connection session state machine driving the
// open-session / RAKP handshake, the message handler correlating
// requests with responses over a shared UDP endpoint, the cipher suite
// registry with RAKP key derivation, and the connection manager that
// multiplexes many logical connections over one socket.
package ipmi
