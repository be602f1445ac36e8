package ipmi

import (
	"encoding/binary"
	"fmt"
)

// This file implements the ASF Presence Ping / Pong pair (ASF
// Specification Section 3.2.4.2) used as the sessionless probe for BMC
// reachability before any IPMI traffic. The ping is the one piece of
// non-RMCP+ framing this client speaks.

// ASF message type bytes.
const (
	asfTypePing = 0x80
	asfTypePong = 0x40
)

// asfIANA is the ASF-RMCP IANA enterprise number (4542).
const asfIANA = 4542

// asfHeaderSize is the ASF message header: IANA (4), type (1), tag (1),
// reserved (1), data length (1).
const asfHeaderSize = 8

// BuildPresencePing assembles a complete RMCP datagram carrying an ASF
// Presence Ping correlated by tag.
func BuildPresencePing(tag uint8) []byte {
	buf := make([]byte, RMCPHeaderSize+asfHeaderSize)
	buf[0] = RMCPVersion
	buf[2] = RMCPSeqNoAck
	buf[3] = RMCPClassASF
	binary.BigEndian.PutUint32(buf[4:], asfIANA)
	buf[8] = asfTypePing
	buf[9] = tag
	return buf
}

// ParsePresencePong extracts the message tag from an ASF Presence Pong
// datagram. The caller has already verified the RMCP class.
func ParsePresencePong(raw []byte) (uint8, error) {
	if len(raw) < RMCPHeaderSize+asfHeaderSize {
		return 0, fmt.Errorf("asf message: %d bytes: %w", len(raw), ErrShortPacket)
	}
	body := raw[RMCPHeaderSize:]
	if binary.BigEndian.Uint32(body) != asfIANA {
		return 0, fmt.Errorf("asf enterprise %d: %w", binary.BigEndian.Uint32(body), ErrProtocolViolation)
	}
	if body[4] != asfTypePong {
		return 0, fmt.Errorf("asf message type 0x%02x: %w", body[4], ErrProtocolViolation)
	}
	return body[5], nil
}
