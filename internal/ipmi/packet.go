package ipmi

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rc4" //nolint:gosec // G503: xRC4 suites are mandated by IPMI v2.0 Section 13.30
	"encoding/binary"
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// RMCP Encapsulation — ASF RMCP Specification Section 3.2.2
// -------------------------------------------------------------------------

// RMCP header field values for IPMI traffic.
const (
	// RMCPVersion is ASF RMCP version 1.0.
	RMCPVersion = 0x06

	// rmcpReserved is the reserved second header byte.
	rmcpReserved = 0x00

	// RMCPSeqNoAck indicates no RMCP-level acknowledge is requested.
	RMCPSeqNoAck = 0xFF

	// RMCPClassIPMI is the message class for IPMI payloads.
	RMCPClassIPMI = 0x07

	// RMCPClassASF is the message class for ASF payloads (presence ping).
	RMCPClassASF = 0x06

	// RMCPHeaderSize is the fixed RMCP header length.
	RMCPHeaderSize = 4
)

// UDPPort is the well-known RMCP port.
const UDPPort = 623

// -------------------------------------------------------------------------
// IPMI v2.0 Session Header — IPMI v2.0 Section 13.6
// -------------------------------------------------------------------------

// AuthTypeRMCPPlus is the authentication type marking an IPMI v2.0
// (RMCP+) session wrapper.
const AuthTypeRMCPPlus = 0x06

// SessionHeaderSize is the v2.0 session wrapper length: auth type (1),
// payload type (1), session ID (4), session sequence (4), payload
// length (2).
const SessionHeaderSize = 12

// Payload type flag bits (IPMI v2.0 Table 13-16).
const (
	payloadEncrypted     = 0x80
	payloadAuthenticated = 0x40
	payloadTypeMask      = 0x3F
)

// PayloadType identifies the content of an RMCP+ session payload.
type PayloadType uint8

// Handshake payload types (IPMI v2.0 Table 13-16).
const (
	// PayloadIPMI carries an IPMI message.
	PayloadIPMI PayloadType = 0x00
	// PayloadOpenSessionRequest is the RMCP+ Open Session Request.
	PayloadOpenSessionRequest PayloadType = 0x10
	// PayloadOpenSessionResponse is the RMCP+ Open Session Response.
	PayloadOpenSessionResponse PayloadType = 0x11
	// PayloadRakp1 is RAKP Message 1.
	PayloadRakp1 PayloadType = 0x12
	// PayloadRakp2 is RAKP Message 2.
	PayloadRakp2 PayloadType = 0x13
	// PayloadRakp3 is RAKP Message 3.
	PayloadRakp3 PayloadType = 0x14
	// PayloadRakp4 is RAKP Message 4.
	PayloadRakp4 PayloadType = 0x15
)

// Codec errors.
var (
	// ErrShortPacket indicates a datagram too small for its headers.
	ErrShortPacket = errors.New("short packet")

	// ErrNotIPMI indicates an RMCP datagram of a non-IPMI class.
	ErrNotIPMI = errors.New("not an IPMI-class RMCP datagram")

	// ErrBadPadding indicates malformed confidentiality padding.
	ErrBadPadding = errors.New("bad confidentiality padding")
)

// SessionHeader is the IPMI v2.0 session wrapper preceding every RMCP+
// payload.
type SessionHeader struct {
	// Payload identifies the payload content.
	Payload PayloadType

	// Encrypted mirrors the payload type encrypted flag bit.
	Encrypted bool

	// Authenticated mirrors the payload type authenticated flag bit.
	Authenticated bool

	// SessionID is the receiver's session ID; zero before a session
	// exists ("outside of a session").
	SessionID uint32

	// Sequence is the session sequence number; zero for sessionless
	// traffic.
	Sequence uint32

	// Length is the payload length in bytes.
	Length uint16
}

// marshalRMCPHeader writes the 4-byte RMCP header for IPMI traffic.
func marshalRMCPHeader(buf []byte) {
	buf[0] = RMCPVersion
	buf[1] = rmcpReserved
	buf[2] = RMCPSeqNoAck
	buf[3] = RMCPClassIPMI
}

// checkRMCPHeader validates the RMCP encapsulation and reports the
// message class.
func checkRMCPHeader(buf []byte) (uint8, error) {
	if len(buf) < RMCPHeaderSize {
		return 0, fmt.Errorf("rmcp header: %d bytes: %w", len(buf), ErrShortPacket)
	}
	if buf[0] != RMCPVersion {
		return 0, fmt.Errorf("rmcp version 0x%02x: %w", buf[0], ErrProtocolViolation)
	}
	return buf[3], nil
}

// marshal writes the session wrapper into buf, which must hold at least
// SessionHeaderSize bytes.
func (h *SessionHeader) marshal(buf []byte) {
	buf[0] = AuthTypeRMCPPlus
	pt := byte(h.Payload) & payloadTypeMask
	if h.Encrypted {
		pt |= payloadEncrypted
	}
	if h.Authenticated {
		pt |= payloadAuthenticated
	}
	buf[1] = pt
	binary.LittleEndian.PutUint32(buf[2:], h.SessionID)
	binary.LittleEndian.PutUint32(buf[6:], h.Sequence)
	binary.LittleEndian.PutUint16(buf[10:], h.Length)
}

// unmarshal parses the session wrapper and returns the remaining bytes.
func (h *SessionHeader) unmarshal(buf []byte) ([]byte, error) {
	if len(buf) < SessionHeaderSize {
		return nil, fmt.Errorf("session header: %d bytes: %w", len(buf), ErrShortPacket)
	}
	if buf[0] != AuthTypeRMCPPlus {
		return nil, fmt.Errorf("auth type 0x%02x: %w", buf[0], ErrProtocolViolation)
	}
	h.Payload = PayloadType(buf[1] & payloadTypeMask)
	h.Encrypted = buf[1]&payloadEncrypted != 0
	h.Authenticated = buf[1]&payloadAuthenticated != 0
	h.SessionID = binary.LittleEndian.Uint32(buf[2:])
	h.Sequence = binary.LittleEndian.Uint32(buf[6:])
	h.Length = binary.LittleEndian.Uint16(buf[10:])
	return buf[SessionHeaderSize:], nil
}

// -------------------------------------------------------------------------
// Envelope Sealing — IPMI v2.0 Sections 13.28-13.29
// -------------------------------------------------------------------------

// integrityNextHeader is the fixed Next Header byte in the session
// trailer (IPMI v2.0 Table 13-8).
const integrityNextHeader = 0x07

// sealEnvelope produces the complete datagram for one RMCP+ payload:
// RMCP header, session wrapper, (optionally encrypted) payload, and
// (optionally) the integrity trailer keyed with k1.
//
// suite and keys describe the active session; for sessionless traffic
// callers pass the suite-0 zero values and nil keys, which yields a
// plaintext unauthenticated envelope.
func sealEnvelope(
	hdr SessionHeader,
	payload []byte,
	suite CipherSuite,
	keys Keys,
) ([]byte, error) {
	inSession := hdr.SessionID != 0

	body := payload
	if inSession && suite.Conf != ConfNone {
		enc, err := encryptPayload(suite.Conf, keys.K2, payload)
		if err != nil {
			return nil, err
		}
		body = enc
		hdr.Encrypted = true
	}
	hdr.Authenticated = inSession && suite.Integrity != IntegrityNone
	hdr.Length = uint16(len(body)) //nolint:gosec // G115: payload bounded by maxDatagramSize

	pkt := make([]byte, RMCPHeaderSize+SessionHeaderSize, RMCPHeaderSize+SessionHeaderSize+len(body)+32)
	marshalRMCPHeader(pkt)
	hdr.marshal(pkt[RMCPHeaderSize:])
	pkt = append(pkt, body...)

	if hdr.Authenticated {
		pkt = append(pkt, integrityTrailer(suite.Integrity, keys.K1, pkt[RMCPHeaderSize:])...)
	}

	return pkt, nil
}

// integrityTrailer builds the session trailer over msg (session header
// plus payload): integrity pad, pad length, next header, AuthCode
// (IPMI v2.0 Table 13-8). The trailer is padded so that the bytes
// covered by the AuthCode are a multiple of four.
func integrityTrailer(alg IntegrityAlg, k1, msg []byte) []byte {
	authLen := alg.AuthCodeSize()

	padLen := 0
	if mod := (len(msg) + 2 + authLen) % 4; mod != 0 {
		padLen = 4 - mod
	}

	data := make([]byte, len(msg)+padLen+2, len(msg)+padLen+2+authLen)
	copy(data, msg)
	for i := range padLen {
		data[len(msg)+i] = 0xff
	}
	data[len(msg)+padLen] = byte(padLen)
	data[len(msg)+padLen+1] = integrityNextHeader

	data = append(data, alg.AuthCode(k1, data)...)

	return data[len(msg):]
}

// peekSessionHeader parses only the RMCP encapsulation and session
// wrapper, without verifying or decrypting anything. The receive path
// uses it to decide ownership of a datagram before spending any crypto
// on it.
func peekSessionHeader(raw []byte) (SessionHeader, error) {
	var hdr SessionHeader

	class, err := checkRMCPHeader(raw)
	if err != nil {
		return hdr, err
	}
	if class != RMCPClassIPMI {
		return hdr, fmt.Errorf("rmcp class 0x%02x: %w", class, ErrNotIPMI)
	}
	_, err = hdr.unmarshal(raw[RMCPHeaderSize:])
	return hdr, err
}

// openEnvelope parses and verifies a received datagram. It validates
// the RMCP encapsulation, checks the integrity trailer when the packet
// is authenticated, and decrypts the payload when it is encrypted.
// Returns the session header and the plaintext payload.
func openEnvelope(raw []byte, suite CipherSuite, keys Keys) (SessionHeader, []byte, error) {
	var hdr SessionHeader

	class, err := checkRMCPHeader(raw)
	if err != nil {
		return hdr, nil, err
	}
	if class != RMCPClassIPMI {
		return hdr, nil, fmt.Errorf("rmcp class 0x%02x: %w", class, ErrNotIPMI)
	}

	rest, err := hdr.unmarshal(raw[RMCPHeaderSize:])
	if err != nil {
		return hdr, nil, err
	}
	if int(hdr.Length) > len(rest) {
		return hdr, nil, fmt.Errorf("payload length %d of %d: %w", hdr.Length, len(rest), ErrShortPacket)
	}
	body := rest[:hdr.Length]

	// A downgraded flag under a protecting suite is treated the same as
	// a bad MAC: the packet was altered in flight.
	if hdr.SessionID != 0 && suite.Integrity != IntegrityNone && !hdr.Authenticated {
		return hdr, nil, fmt.Errorf("unauthenticated packet under %s: %w",
			suite.Integrity, ErrIntegrityCheckFailed)
	}
	if hdr.SessionID != 0 && suite.Conf != ConfNone && !hdr.Encrypted {
		return hdr, nil, fmt.Errorf("plaintext packet under %s: %w",
			suite.Conf, ErrIntegrityCheckFailed)
	}

	if hdr.Authenticated {
		msgEnd := RMCPHeaderSize + SessionHeaderSize + int(hdr.Length)
		if err := verifyTrailer(suite.Integrity, keys.K1, raw[RMCPHeaderSize:msgEnd], raw[msgEnd:]); err != nil {
			return hdr, nil, err
		}
	}

	if hdr.Encrypted {
		plain, err := decryptPayload(suite.Conf, keys.K2, body)
		if err != nil {
			return hdr, nil, err
		}
		body = plain
	}

	return hdr, body, nil
}

// verifyTrailer recomputes the session trailer AuthCode over msg plus
// the received pad bytes and compares it with the received AuthCode.
func verifyTrailer(alg IntegrityAlg, k1, msg, trailer []byte) error {
	authLen := alg.AuthCodeSize()
	if authLen == 0 {
		return fmt.Errorf("authenticated packet with integrity algorithm none: %w", ErrIntegrityCheckFailed)
	}
	if len(trailer) < 2+authLen {
		return fmt.Errorf("trailer %d bytes: %w", len(trailer), ErrIntegrityCheckFailed)
	}

	covered := len(msg) + len(trailer) - authLen
	full := make([]byte, 0, covered)
	full = append(full, msg...)
	full = append(full, trailer[:len(trailer)-authLen]...)

	want := trailer[len(trailer)-authLen:]
	got := alg.AuthCode(k1, full)
	if !bytes.Equal(got, want) {
		return fmt.Errorf("authcode mismatch: %w", ErrIntegrityCheckFailed)
	}
	return nil
}

// -------------------------------------------------------------------------
// Confidentiality — IPMI v2.0 Sections 13.29 (AES-CBC-128), 13.30 (xRC4)
// -------------------------------------------------------------------------

// encryptPayload applies the suite's confidentiality algorithm.
func encryptPayload(alg ConfAlg, k2, src []byte) ([]byte, error) {
	switch alg {
	case ConfAESCBC128:
		return encryptAESCBC(k2, src)
	case ConfXRC4128:
		return encryptRC4(k2[:16], src)
	case ConfXRC440:
		return encryptRC4(k2[:5], src)
	default:
		return src, nil
	}
}

// decryptPayload reverses encryptPayload.
func decryptPayload(alg ConfAlg, k2, src []byte) ([]byte, error) {
	switch alg {
	case ConfAESCBC128:
		return decryptAESCBC(k2, src)
	case ConfXRC4128:
		return decryptRC4(k2[:16], src)
	case ConfXRC440:
		return decryptRC4(k2[:5], src)
	default:
		return src, nil
	}
}

// encryptAESCBC encrypts src with AES-CBC-128 under the first 16 bytes
// of k2. A random 16-byte IV is prepended. Padding bytes count 01, 02,
// ... N followed by the pad length byte (IPMI v2.0 Section 13.29).
func encryptAESCBC(k2, src []byte) ([]byte, error) {
	block, err := aes.NewCipher(k2[:16])
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}

	padLen := 0
	if mod := (len(src) + 1) % aes.BlockSize; mod != 0 {
		padLen = aes.BlockSize - mod
	}
	input := make([]byte, len(src)+padLen+1)
	copy(input, src)
	for i := range padLen {
		input[len(src)+i] = byte(i + 1)
	}
	input[len(src)+padLen] = byte(padLen)

	dst := make([]byte, aes.BlockSize+len(input))
	iv := dst[:aes.BlockSize]
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	cipher.NewCBCEncrypter(block, iv).CryptBlocks(dst[aes.BlockSize:], input)

	return dst, nil
}

// decryptAESCBC reverses encryptAESCBC and strips the padding.
func decryptAESCBC(k2, src []byte) ([]byte, error) {
	block, err := aes.NewCipher(k2[:16])
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}

	if l := len(src); l < 2*aes.BlockSize || l%aes.BlockSize != 0 {
		return nil, fmt.Errorf("encrypted payload %d bytes: %w", len(src), ErrBadPadding)
	}

	iv, data := src[:aes.BlockSize], src[aes.BlockSize:]
	dst := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(dst, data)

	padLen := int(dst[len(dst)-1])
	if padLen+1 > len(dst) {
		return nil, fmt.Errorf("pad length %d of %d: %w", padLen, len(dst), ErrBadPadding)
	}
	// Pad bytes are 01, 02, ... N; a mismatch means a garbled block.
	for i := range padLen {
		if dst[len(dst)-1-padLen+i] != byte(i+1) {
			return nil, fmt.Errorf("pad byte %d: %w", i, ErrBadPadding)
		}
	}

	return dst[:len(dst)-padLen-1], nil
}

// xrc4HeaderSize is the xRC4 confidentiality header: a 4-byte
// little-endian data offset into the per-session keystream.
const xrc4HeaderSize = 4

// encryptRC4 encrypts src with the xRC4 construction: the payload is
// XORed with the keystream starting at a message-chosen offset, and the
// offset travels in the confidentiality header so the receiver can skip
// to the same keystream position. This implementation always starts a
// fresh keystream per message (offset zero), which is self-describing
// and interoperable with receivers honouring the offset field.
func encryptRC4(key, src []byte) ([]byte, error) {
	c, err := rc4.NewCipher(key) //nolint:gosec // G405: wire algorithm for suites 14
	if err != nil {
		return nil, fmt.Errorf("rc4 cipher: %w", err)
	}

	dst := make([]byte, xrc4HeaderSize+len(src))
	binary.LittleEndian.PutUint32(dst, 0)
	c.XORKeyStream(dst[xrc4HeaderSize:], src)

	return dst, nil
}

// decryptRC4 reverses encryptRC4, discarding offset bytes of keystream
// before XORing.
func decryptRC4(key, src []byte) ([]byte, error) {
	if len(src) < xrc4HeaderSize {
		return nil, fmt.Errorf("xrc4 payload %d bytes: %w", len(src), ErrShortPacket)
	}
	c, err := rc4.NewCipher(key) //nolint:gosec // G405: wire algorithm for suites 14
	if err != nil {
		return nil, fmt.Errorf("rc4 cipher: %w", err)
	}

	offset := binary.LittleEndian.Uint32(src)
	if offset > 0 {
		skip := make([]byte, offset)
		c.XORKeyStream(skip, skip)
	}

	dst := make([]byte, len(src)-xrc4HeaderSize)
	c.XORKeyStream(dst, src[xrc4HeaderSize:])

	return dst, nil
}
