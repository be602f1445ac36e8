package ipmi

import (
	"encoding/binary"
	"fmt"
)

// This file implements the IPMI LAN message framing (IPMI v2.0 Section
// 13.8) and the handful of commands the session layer itself needs:
// channel discovery, session privilege, session close, and the device
// identity probe used by the CLI. Arbitrary commands are submitted
// through the same Command/CommandResponse pair; encoding of the dozens
// of remaining IPMI commands is the caller's concern.

// -------------------------------------------------------------------------
// Network Function Codes and Addresses
// -------------------------------------------------------------------------

// NetFn is the IPMI network function code.
type NetFn uint8

// Network functions used by the session layer.
const (
	// NetFnApp is the Application network function.
	NetFnApp NetFn = 0x06
	// NetFnChassis is the Chassis network function.
	NetFnChassis NetFn = 0x00
)

// LAN addressing constants (IPMI v2.0 Section 13.8).
const (
	// bmcSlaveAddr is the BMC's responder address.
	bmcSlaveAddr = 0x20
	// consoleSWID is the remote console software ID.
	consoleSWID = 0x81
)

// Application commands used by the session layer.
const (
	// CmdGetDeviceID is Get Device ID.
	CmdGetDeviceID = 0x01
	// CmdGetChannelAuthCaps is Get Channel Authentication Capabilities.
	CmdGetChannelAuthCaps = 0x38
	// CmdSetSessionPrivilege is Set Session Privilege Level.
	CmdSetSessionPrivilege = 0x3b
	// CmdCloseSession is Close Session.
	CmdCloseSession = 0x3c
	// CmdGetChannelCipherSuites is Get Channel Cipher Suites.
	CmdGetChannelCipherSuites = 0x54
)

// currentChannel addresses the channel the request arrived on.
const currentChannel = 0x0e

// CompletionCode is the first byte of every IPMI response body.
type CompletionCode uint8

// Completion codes the session layer interprets.
const (
	// CompletionOK is normal completion.
	CompletionOK CompletionCode = 0x00
	// CompletionInvalidSessionID is returned for a stale session handle.
	CompletionInvalidSessionID CompletionCode = 0x87
	// CompletionInsufficientPrivilege rejects a command for the session's
	// privilege level.
	CompletionInsufficientPrivilege CompletionCode = 0xd4
)

// Check maps a completion code to an error kind. Invalid-session
// completions surface ErrSessionExpired so the connection can tear the
// session down.
func (c CompletionCode) Check() error {
	switch c {
	case CompletionOK:
		return nil
	case CompletionInvalidSessionID:
		return fmt.Errorf("completion 0x%02x: %w", uint8(c), ErrSessionExpired)
	default:
		return fmt.Errorf("completion 0x%02x: %w", uint8(c), ErrProtocolViolation)
	}
}

// -------------------------------------------------------------------------
// Command Framing
// -------------------------------------------------------------------------

// Command is one IPMI request: the network function, command byte, and
// request data. The command codec contract is deliberately thin so any
// IPMI command can be submitted without this package knowing it.
type Command struct {
	NetFn NetFn
	Cmd   uint8
	Data  []byte
}

// CommandResponse is the decoded response to a Command.
type CommandResponse struct {
	NetFn      NetFn
	Cmd        uint8
	Completion CompletionCode
	Data       []byte
}

// ipmiRequestSize is the LAN request frame overhead: two address/LUN
// pairs, two checksums, the sequence byte and the command byte.
const ipmiRequestSize = 7

// checksum returns the two's-complement checksum of buf (IPMI v2.0
// Section 13.8: sum of all protected bytes plus checksum equals zero
// modulo 256).
func checksum(buf []byte) byte {
	var sum byte
	for _, b := range buf {
		sum += b
	}
	return -sum
}

// marshalCommand frames a request with the given sequence number
// (0-63) into the LAN message format.
func marshalCommand(cmd Command, rqSeq uint8) []byte {
	buf := make([]byte, 0, ipmiRequestSize+len(cmd.Data))
	buf = append(buf, bmcSlaveAddr, byte(cmd.NetFn)<<2)
	buf = append(buf, checksum(buf))
	buf = append(buf, consoleSWID, rqSeq<<2, cmd.Cmd)
	buf = append(buf, cmd.Data...)
	return append(buf, checksum(buf[3:]))
}

// unmarshalResponse parses a LAN response frame, returning the decoded
// response and its sequence number.
func unmarshalResponse(buf []byte) (*CommandResponse, uint8, error) {
	if len(buf) < ipmiRequestSize+1 {
		return nil, 0, fmt.Errorf("ipmi response: %d bytes: %w", len(buf), ErrShortPacket)
	}
	if checksum(buf[:2]) != buf[2] {
		return nil, 0, fmt.Errorf("ipmi response header checksum: %w", ErrProtocolViolation)
	}
	if checksum(buf[3:len(buf)-1]) != buf[len(buf)-1] {
		return nil, 0, fmt.Errorf("ipmi response data checksum: %w", ErrProtocolViolation)
	}

	rqSeq := buf[4] >> 2
	resp := &CommandResponse{
		// Response network function is the request's plus one.
		NetFn:      NetFn(buf[1]>>2) - 1,
		Cmd:        buf[5],
		Completion: CompletionCode(buf[6]),
		Data:       append([]byte(nil), buf[7:len(buf)-1]...),
	}
	return resp, rqSeq, nil
}

// -------------------------------------------------------------------------
// Get Channel Authentication Capabilities — IPMI v2.0 Section 22.13
// -------------------------------------------------------------------------

// NewGetChannelAuthCapsCommand builds the request, asking for v2.0
// extended data on the current channel.
func NewGetChannelAuthCapsCommand(privilege PrivilegeLevel) Command {
	return Command{
		NetFn: NetFnApp,
		Cmd:   CmdGetChannelAuthCaps,
		// 0x80 requests the IPMI v2.0 extended response.
		Data: []byte{0x80 | currentChannel, byte(privilege)},
	}
}

// AuthCapabilities is the decoded Get Channel Authentication
// Capabilities response.
type AuthCapabilities struct {
	// Channel is the channel number the BMC answered for.
	Channel uint8

	// IPMI20 reports RMCP+ (IPMI v2.0) session support.
	IPMI20 bool

	// KGSet reports that the BMC key is set to a non-default value and
	// RAKP key derivation must use it.
	KGSet bool

	// AnonymousLogin reports anonymous login support.
	AnonymousLogin bool
}

// ParseAuthCapabilities decodes the response data.
func ParseAuthCapabilities(data []byte) (*AuthCapabilities, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("auth capabilities: %d bytes: %w", len(data), ErrShortPacket)
	}
	return &AuthCapabilities{
		Channel:        data[0],
		IPMI20:         data[1]&0x80 != 0,
		KGSet:          data[2]&0x20 != 0,
		AnonymousLogin: data[2]&0x01 != 0,
	}, nil
}

// -------------------------------------------------------------------------
// Get Channel Cipher Suites — IPMI v2.0 Section 22.15
// -------------------------------------------------------------------------

// NewGetChannelCipherSuitesCommand builds the request for one 16-byte
// chunk of the cipher suite record data.
func NewGetChannelCipherSuitesCommand(listIndex uint8) Command {
	return Command{
		NetFn: NetFnApp,
		Cmd:   CmdGetChannelCipherSuites,
		// Channel, payload type IPMI, list algorithms by suite + index.
		Data: []byte{currentChannel, byte(PayloadIPMI), 0x80 | (listIndex & 0x3f)},
	}
}

// cipherSuiteRecordStart marks a standard cipher suite record in the
// Get Channel Cipher Suites record data (IPMI v2.0 Table 22-19).
const cipherSuiteRecordStart = 0xc0

// ParseCipherSuiteRecords extracts the suite IDs advertised in the
// concatenated record data and resolves each against the registry.
// Unknown suite IDs are skipped: a BMC may advertise OEM suites this
// console does not offer.
func ParseCipherSuiteRecords(data []byte) []CipherSuite {
	var out []CipherSuite
	i := 0
	for i < len(data) {
		if data[i] != cipherSuiteRecordStart {
			i++
			continue
		}
		if i+1 >= len(data) {
			break
		}
		if cs, err := SuiteByID(data[i+1]); err == nil {
			out = append(out, cs)
		}
		// Standard record: start byte, suite ID, three algorithm bytes.
		i += 5
	}
	return out
}

// -------------------------------------------------------------------------
// Session Commands
// -------------------------------------------------------------------------

// NewSetSessionPrivilegeCommand builds Set Session Privilege Level.
func NewSetSessionPrivilegeCommand(privilege PrivilegeLevel) Command {
	return Command{
		NetFn: NetFnApp,
		Cmd:   CmdSetSessionPrivilege,
		Data:  []byte{byte(privilege)},
	}
}

// NewCloseSessionCommand builds Close Session for the given managed
// system session ID.
func NewCloseSessionCommand(systemSID uint32) Command {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, systemSID)
	return Command{
		NetFn: NetFnApp,
		Cmd:   CmdCloseSession,
		Data:  data,
	}
}

// NewGetDeviceIDCommand builds Get Device ID.
func NewGetDeviceIDCommand() Command {
	return Command{NetFn: NetFnApp, Cmd: CmdGetDeviceID}
}
