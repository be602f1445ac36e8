package ipmi

import (
	"encoding/binary"
	"fmt"
)

// This file implements the RMCP+ handshake payload codecs: the Open
// Session Request/Response (IPMI v2.0 Tables 13-9, 13-10) and RAKP
// Messages 1-4 (Tables 13-11 through 13-14). Every handshake payload
// carries a message tag in its first byte; the tag is the sessionless
// correlation key.

// -------------------------------------------------------------------------
// RAKP Status Codes — IPMI v2.0 Table 13-15
// -------------------------------------------------------------------------

// RakpStatus is the status code carried in RMCP+ and RAKP responses.
type RakpStatus uint8

const (
	// RakpStatusNoErrors is the success status.
	RakpStatusNoErrors RakpStatus = 0x00
	// RakpStatusInsufficientResources means the BMC cannot create the session.
	RakpStatusInsufficientResources RakpStatus = 0x01
	// RakpStatusInvalidSessionID means the session ID was not recognised.
	RakpStatusInvalidSessionID RakpStatus = 0x02
	// RakpStatusInvalidPayloadType rejects the proposed payload type.
	RakpStatusInvalidPayloadType RakpStatus = 0x03
	// RakpStatusInvalidRole rejects the requested privilege level.
	RakpStatusInvalidRole RakpStatus = 0x09
	// RakpStatusUnauthorizedRole means the role exceeds the user's limit.
	RakpStatusUnauthorizedRole RakpStatus = 0x0a
	// RakpStatusUnauthorizedName means the username was not found.
	RakpStatusUnauthorizedName RakpStatus = 0x0d
	// RakpStatusNoMatchingCipherSuite means no proposed suite is supported.
	RakpStatusNoMatchingCipherSuite RakpStatus = 0x11
	// RakpStatusInvalidIntegrityCheck means an authcode did not verify.
	RakpStatusInvalidIntegrityCheck RakpStatus = 0x0f
)

// String returns the human-readable status name.
func (s RakpStatus) String() string {
	switch s {
	case RakpStatusNoErrors:
		return "no errors"
	case RakpStatusInsufficientResources:
		return "insufficient resources"
	case RakpStatusInvalidSessionID:
		return "invalid session ID"
	case RakpStatusInvalidPayloadType:
		return "invalid payload type"
	case RakpStatusInvalidRole:
		return "invalid role"
	case RakpStatusUnauthorizedRole:
		return "unauthorized role"
	case RakpStatusUnauthorizedName:
		return "unauthorized name"
	case RakpStatusNoMatchingCipherSuite:
		return "no matching cipher suite"
	case RakpStatusInvalidIntegrityCheck:
		return "invalid integrity check value"
	default:
		return fmt.Sprintf("status 0x%02x", uint8(s))
	}
}

// Check maps a non-success status to ErrAuthenticationFailed.
func (s RakpStatus) Check() error {
	if s == RakpStatusNoErrors {
		return nil
	}
	return fmt.Errorf("%s: %w", s, ErrAuthenticationFailed)
}

// -------------------------------------------------------------------------
// Algorithm Payloads — IPMI v2.0 Table 13-9
// -------------------------------------------------------------------------

// Algorithm payload type bytes within the Open Session Request/Response.
const (
	algPayloadAuth = 0x00
	algPayloadInt  = 0x01
	algPayloadConf = 0x02

	algPayloadSize = 8
)

// marshalAlgPayload writes one 8-byte algorithm proposal record.
func marshalAlgPayload(buf []byte, payloadType, alg uint8) {
	buf[0] = payloadType
	buf[1] = 0
	buf[2] = 0
	buf[3] = algPayloadSize
	buf[4] = alg & 0x3F
	// bytes 5-7 reserved
}

// unmarshalAlgPayload reads one algorithm record, checking the type byte.
func unmarshalAlgPayload(buf []byte, wantType uint8) (uint8, error) {
	if len(buf) < algPayloadSize {
		return 0, fmt.Errorf("algorithm payload: %d bytes: %w", len(buf), ErrShortPacket)
	}
	if buf[0] != wantType {
		return 0, fmt.Errorf("algorithm payload type 0x%02x want 0x%02x: %w",
			buf[0], wantType, ErrProtocolViolation)
	}
	return buf[4] & 0x3F, nil
}

// -------------------------------------------------------------------------
// Open Session Request / Response
// -------------------------------------------------------------------------

// openSessionRequestSize is the fixed Open Session Request length:
// tag, role, 2 reserved, console session ID, three algorithm records.
const openSessionRequestSize = 8 + 3*algPayloadSize

// OpenSessionRequest is the RMCP+ Open Session Request payload.
type OpenSessionRequest struct {
	MessageTag uint8
	Privilege  PrivilegeLevel
	ConsoleSID uint32
	Suite      CipherSuite
}

// Marshal serialises the request (IPMI v2.0 Table 13-9).
func (r *OpenSessionRequest) Marshal() []byte {
	buf := make([]byte, openSessionRequestSize)
	buf[0] = r.MessageTag
	buf[1] = byte(r.Privilege)
	binary.LittleEndian.PutUint32(buf[4:], r.ConsoleSID)
	marshalAlgPayload(buf[8:], algPayloadAuth, uint8(r.Suite.Auth))
	marshalAlgPayload(buf[16:], algPayloadInt, uint8(r.Suite.Integrity))
	marshalAlgPayload(buf[24:], algPayloadConf, uint8(r.Suite.Conf))
	return buf
}

// UnmarshalOpenSessionRequest parses an Open Session Request. Exposed
// for the loopback BMC used in tests.
func UnmarshalOpenSessionRequest(buf []byte) (*OpenSessionRequest, error) {
	if len(buf) < openSessionRequestSize {
		return nil, fmt.Errorf("open session request: %d bytes: %w", len(buf), ErrShortPacket)
	}
	r := &OpenSessionRequest{
		MessageTag: buf[0],
		Privilege:  PrivilegeLevel(buf[1]),
		ConsoleSID: binary.LittleEndian.Uint32(buf[4:]),
	}
	auth, err := unmarshalAlgPayload(buf[8:], algPayloadAuth)
	if err != nil {
		return nil, err
	}
	integ, err := unmarshalAlgPayload(buf[16:], algPayloadInt)
	if err != nil {
		return nil, err
	}
	conf, err := unmarshalAlgPayload(buf[24:], algPayloadConf)
	if err != nil {
		return nil, err
	}
	r.Suite = CipherSuite{Auth: AuthAlg(auth), Integrity: IntegrityAlg(integ), Conf: ConfAlg(conf)}
	return r, nil
}

// openSessionResponseSize is the minimum Open Session Response length
// including the echoed algorithm records.
const openSessionResponseSize = 12 + 3*algPayloadSize

// OpenSessionResponse is the RMCP+ Open Session Response payload.
type OpenSessionResponse struct {
	MessageTag uint8
	Status     RakpStatus
	Privilege  PrivilegeLevel
	ConsoleSID uint32
	SystemSID  uint32
	Suite      CipherSuite
}

// Marshal serialises the response (IPMI v2.0 Table 13-10). Exposed for
// the loopback BMC used in tests.
func (r *OpenSessionResponse) Marshal() []byte {
	if r.Status != RakpStatusNoErrors {
		// Error responses carry only tag and status.
		return []byte{r.MessageTag, byte(r.Status), 0, 0}
	}
	buf := make([]byte, openSessionResponseSize)
	buf[0] = r.MessageTag
	buf[1] = byte(r.Status)
	buf[2] = byte(r.Privilege)
	binary.LittleEndian.PutUint32(buf[4:], r.ConsoleSID)
	binary.LittleEndian.PutUint32(buf[8:], r.SystemSID)
	marshalAlgPayload(buf[12:], algPayloadAuth, uint8(r.Suite.Auth))
	marshalAlgPayload(buf[20:], algPayloadInt, uint8(r.Suite.Integrity))
	marshalAlgPayload(buf[28:], algPayloadConf, uint8(r.Suite.Conf))
	return buf
}

// UnmarshalOpenSessionResponse parses an Open Session Response.
func UnmarshalOpenSessionResponse(buf []byte) (*OpenSessionResponse, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("open session response: %d bytes: %w", len(buf), ErrShortPacket)
	}
	r := &OpenSessionResponse{
		MessageTag: buf[0],
		Status:     RakpStatus(buf[1]),
	}
	if r.Status != RakpStatusNoErrors {
		return r, nil
	}
	if len(buf) < openSessionResponseSize {
		return nil, fmt.Errorf("open session response: %d bytes: %w", len(buf), ErrShortPacket)
	}
	r.Privilege = PrivilegeLevel(buf[2])
	r.ConsoleSID = binary.LittleEndian.Uint32(buf[4:])
	r.SystemSID = binary.LittleEndian.Uint32(buf[8:])
	auth, err := unmarshalAlgPayload(buf[12:], algPayloadAuth)
	if err != nil {
		return nil, err
	}
	integ, err := unmarshalAlgPayload(buf[20:], algPayloadInt)
	if err != nil {
		return nil, err
	}
	conf, err := unmarshalAlgPayload(buf[28:], algPayloadConf)
	if err != nil {
		return nil, err
	}
	r.Suite = CipherSuite{Auth: AuthAlg(auth), Integrity: IntegrityAlg(integ), Conf: ConfAlg(conf)}
	return r, nil
}

// -------------------------------------------------------------------------
// RAKP Message 1 — IPMI v2.0 Table 13-11
// -------------------------------------------------------------------------

// rakp1FixedSize is the RAKP Message 1 length before the username.
const rakp1FixedSize = 28

// MaxUsernameLen is the IPMI username limit.
const MaxUsernameLen = 16

// roleNameOnlyLookup is the name-only lookup flag in the RAKP role
// byte (IPMI v2.0 Table 13-11, bit 4). When set, the BMC matches the
// user by name alone; when clear it matches (name, privilege) pairs.
const roleNameOnlyLookup = 0x10

// Rakp1 is RAKP Message 1: the console's nonce and identity claim.
type Rakp1 struct {
	MessageTag   uint8
	SystemSID    uint32
	ConsoleNonce [NonceSize]byte
	Privilege    PrivilegeLevel

	// PrivilegeLookup requests (name, privilege) pair lookup instead of
	// the default name-only lookup.
	PrivilegeLookup bool

	Username string
}

// RoleByte returns the wire role byte: the requested maximum privilege
// plus the name-only lookup flag. This byte, not the bare privilege,
// feeds the RAKP authentication code inputs.
func (r *Rakp1) RoleByte() uint8 {
	b := uint8(r.Privilege) & 0x0f
	if !r.PrivilegeLookup {
		b |= roleNameOnlyLookup
	}
	return b
}

// Marshal serialises the message.
func (r *Rakp1) Marshal() []byte {
	buf := make([]byte, rakp1FixedSize, rakp1FixedSize+len(r.Username))
	buf[0] = r.MessageTag
	binary.LittleEndian.PutUint32(buf[4:], r.SystemSID)
	copy(buf[8:24], r.ConsoleNonce[:])
	buf[24] = r.RoleByte()
	buf[27] = byte(len(r.Username))
	return append(buf, r.Username...)
}

// UnmarshalRakp1 parses RAKP Message 1. Exposed for the loopback BMC
// used in tests.
func UnmarshalRakp1(buf []byte) (*Rakp1, error) {
	if len(buf) < rakp1FixedSize {
		return nil, fmt.Errorf("rakp1: %d bytes: %w", len(buf), ErrShortPacket)
	}
	ulen := int(buf[27])
	if ulen > MaxUsernameLen || len(buf) < rakp1FixedSize+ulen {
		return nil, fmt.Errorf("rakp1 username length %d: %w", ulen, ErrProtocolViolation)
	}
	r := &Rakp1{
		MessageTag:      buf[0],
		SystemSID:       binary.LittleEndian.Uint32(buf[4:]),
		Privilege:       PrivilegeLevel(buf[24] & 0x0f),
		PrivilegeLookup: buf[24]&roleNameOnlyLookup == 0,
		Username:        string(buf[rakp1FixedSize : rakp1FixedSize+ulen]),
	}
	copy(r.ConsoleNonce[:], buf[8:24])
	return r, nil
}

// -------------------------------------------------------------------------
// RAKP Message 2 — IPMI v2.0 Table 13-12
// -------------------------------------------------------------------------

// rakp2FixedSize is the RAKP Message 2 length before the auth code.
const rakp2FixedSize = 40

// Rakp2 is RAKP Message 2: the managed system's nonce, GUID, and proof
// of the shared secret.
type Rakp2 struct {
	MessageTag  uint8
	Status      RakpStatus
	ConsoleSID  uint32
	SystemNonce [NonceSize]byte
	SystemGUID  [GUIDSize]byte
	AuthCode    []byte
}

// Marshal serialises the message. Exposed for the loopback BMC used in
// tests.
func (r *Rakp2) Marshal() []byte {
	if r.Status != RakpStatusNoErrors {
		return []byte{r.MessageTag, byte(r.Status), 0, 0}
	}
	buf := make([]byte, rakp2FixedSize, rakp2FixedSize+len(r.AuthCode))
	buf[0] = r.MessageTag
	buf[1] = byte(r.Status)
	binary.LittleEndian.PutUint32(buf[4:], r.ConsoleSID)
	copy(buf[8:24], r.SystemNonce[:])
	copy(buf[24:40], r.SystemGUID[:])
	return append(buf, r.AuthCode...)
}

// UnmarshalRakp2 parses RAKP Message 2.
func UnmarshalRakp2(buf []byte) (*Rakp2, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("rakp2: %d bytes: %w", len(buf), ErrShortPacket)
	}
	r := &Rakp2{
		MessageTag: buf[0],
		Status:     RakpStatus(buf[1]),
	}
	if r.Status != RakpStatusNoErrors {
		return r, nil
	}
	if len(buf) < rakp2FixedSize {
		return nil, fmt.Errorf("rakp2: %d bytes: %w", len(buf), ErrShortPacket)
	}
	r.ConsoleSID = binary.LittleEndian.Uint32(buf[4:])
	copy(r.SystemNonce[:], buf[8:24])
	copy(r.SystemGUID[:], buf[24:40])
	r.AuthCode = append([]byte(nil), buf[rakp2FixedSize:]...)
	return r, nil
}

// -------------------------------------------------------------------------
// RAKP Message 3 — IPMI v2.0 Table 13-13
// -------------------------------------------------------------------------

// rakp3FixedSize is the RAKP Message 3 length before the auth code.
const rakp3FixedSize = 8

// Rakp3 is RAKP Message 3: the console's proof of the shared secret.
type Rakp3 struct {
	MessageTag uint8
	Status     RakpStatus
	SystemSID  uint32
	AuthCode   []byte
}

// Marshal serialises the message.
func (r *Rakp3) Marshal() []byte {
	buf := make([]byte, rakp3FixedSize, rakp3FixedSize+len(r.AuthCode))
	buf[0] = r.MessageTag
	buf[1] = byte(r.Status)
	binary.LittleEndian.PutUint32(buf[4:], r.SystemSID)
	return append(buf, r.AuthCode...)
}

// UnmarshalRakp3 parses RAKP Message 3. Exposed for the loopback BMC
// used in tests.
func UnmarshalRakp3(buf []byte) (*Rakp3, error) {
	if len(buf) < rakp3FixedSize {
		return nil, fmt.Errorf("rakp3: %d bytes: %w", len(buf), ErrShortPacket)
	}
	return &Rakp3{
		MessageTag: buf[0],
		Status:     RakpStatus(buf[1]),
		SystemSID:  binary.LittleEndian.Uint32(buf[4:]),
		AuthCode:   append([]byte(nil), buf[rakp3FixedSize:]...),
	}, nil
}

// -------------------------------------------------------------------------
// RAKP Message 4 — IPMI v2.0 Table 13-14
// -------------------------------------------------------------------------

// rakp4FixedSize is the RAKP Message 4 length before the ICV.
const rakp4FixedSize = 8

// Rakp4 is RAKP Message 4: the managed system's integrity check value
// keyed with the SIK.
type Rakp4 struct {
	MessageTag uint8
	Status     RakpStatus
	ConsoleSID uint32
	ICV        []byte
}

// Marshal serialises the message. Exposed for the loopback BMC used in
// tests.
func (r *Rakp4) Marshal() []byte {
	if r.Status != RakpStatusNoErrors {
		return []byte{r.MessageTag, byte(r.Status), 0, 0}
	}
	buf := make([]byte, rakp4FixedSize, rakp4FixedSize+len(r.ICV))
	buf[0] = r.MessageTag
	buf[1] = byte(r.Status)
	binary.LittleEndian.PutUint32(buf[4:], r.ConsoleSID)
	return append(buf, r.ICV...)
}

// UnmarshalRakp4 parses RAKP Message 4.
func UnmarshalRakp4(buf []byte) (*Rakp4, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("rakp4: %d bytes: %w", len(buf), ErrShortPacket)
	}
	r := &Rakp4{
		MessageTag: buf[0],
		Status:     RakpStatus(buf[1]),
	}
	if r.Status != RakpStatusNoErrors {
		return r, nil
	}
	if len(buf) < rakp4FixedSize {
		return nil, fmt.Errorf("rakp4: %d bytes: %w", len(buf), ErrShortPacket)
	}
	r.ConsoleSID = binary.LittleEndian.Uint32(buf[4:])
	r.ICV = append([]byte(nil), buf[rakp4FixedSize:]...)
	return r, nil
}
