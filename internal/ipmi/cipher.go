package ipmi

import (
	"crypto/hmac"
	"crypto/md5"  //nolint:gosec // G501: HMAC-MD5 suites are mandated by IPMI v2.0 Table 13-18
	"crypto/sha1" //nolint:gosec // G505: HMAC-SHA1 suites are mandated by IPMI v2.0 Table 13-17
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
)

// -------------------------------------------------------------------------
// Privilege Levels — IPMI v2.0 Table 13-17 (Requested Maximum Privilege)
// -------------------------------------------------------------------------

// PrivilegeLevel is the requested maximum privilege for a session.
type PrivilegeLevel uint8

const (
	// PrivilegeHighest requests the highest level matching the proposed
	// algorithms (IPMI v2.0 Section 13.17: role value 0).
	PrivilegeHighest PrivilegeLevel = 0

	// PrivilegeCallback is the lowest privilege level.
	PrivilegeCallback PrivilegeLevel = 1

	// PrivilegeUser permits benign read-only commands.
	PrivilegeUser PrivilegeLevel = 2

	// PrivilegeOperator permits all BMC commands except configuration.
	PrivilegeOperator PrivilegeLevel = 3

	// PrivilegeAdministrator permits all BMC commands.
	PrivilegeAdministrator PrivilegeLevel = 4
)

// String returns the human-readable privilege name.
func (p PrivilegeLevel) String() string {
	switch p {
	case PrivilegeHighest:
		return "HighestMatching"
	case PrivilegeCallback:
		return "Callback"
	case PrivilegeUser:
		return "User"
	case PrivilegeOperator:
		return "Operator"
	case PrivilegeAdministrator:
		return "Administrator"
	default:
		return "Unknown"
	}
}

// -------------------------------------------------------------------------
// Algorithm Identifiers — IPMI v2.0 Tables 13-17, 13-18, 13-19
// -------------------------------------------------------------------------

// AuthAlg is an RMCP+ authentication algorithm identifier.
type AuthAlg uint8

const (
	// AuthNone performs no authentication (RAKP-none).
	AuthNone AuthAlg = 0x00
	// AuthHMACSHA1 is RAKP-HMAC-SHA1.
	AuthHMACSHA1 AuthAlg = 0x01
	// AuthHMACMD5 is RAKP-HMAC-MD5.
	AuthHMACMD5 AuthAlg = 0x02
	// AuthHMACSHA256 is RAKP-HMAC-SHA256.
	AuthHMACSHA256 AuthAlg = 0x03
)

// String returns the algorithm name.
func (a AuthAlg) String() string {
	switch a {
	case AuthNone:
		return "none"
	case AuthHMACSHA1:
		return "hmac-sha1"
	case AuthHMACMD5:
		return "hmac-md5"
	case AuthHMACSHA256:
		return "hmac-sha256"
	default:
		return "unknown"
	}
}

// newHash returns the hash constructor for the algorithm, or nil for
// AuthNone.
func (a AuthAlg) newHash() func() hash.Hash {
	switch a {
	case AuthHMACSHA1:
		return sha1.New
	case AuthHMACMD5:
		return md5.New
	case AuthHMACSHA256:
		return sha256.New
	default:
		return nil
	}
}

// DigestSize returns the full MAC output length in bytes.
func (a AuthAlg) DigestSize() int {
	switch a {
	case AuthHMACSHA1:
		return sha1.Size
	case AuthHMACMD5:
		return md5.Size
	case AuthHMACSHA256:
		return sha256.Size
	default:
		return 0
	}
}

// ICVSize returns the truncated integrity check value length used in
// RAKP Message 4 (IPMI v2.0 Section 13.24: HMAC-SHA1-96 for SHA1,
// HMAC-MD5-128 for MD5, HMAC-SHA256-128 for SHA256).
func (a AuthAlg) ICVSize() int {
	switch a {
	case AuthHMACSHA1:
		return 12
	case AuthHMACMD5, AuthHMACSHA256:
		return 16
	default:
		return 0
	}
}

// Mac computes the keyed MAC of data. Returns nil for AuthNone.
func (a AuthAlg) Mac(key, data []byte) []byte {
	h := a.newHash()
	if h == nil {
		return nil
	}
	mac := hmac.New(h, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// IntegrityAlg is an RMCP+ integrity algorithm identifier.
type IntegrityAlg uint8

const (
	// IntegrityNone omits the session trailer.
	IntegrityNone IntegrityAlg = 0x00
	// IntegrityHMACSHA1_96 is the 12-byte truncated HMAC-SHA1.
	IntegrityHMACSHA1_96 IntegrityAlg = 0x01
	// IntegrityHMACMD5_128 is the full 16-byte HMAC-MD5.
	IntegrityHMACMD5_128 IntegrityAlg = 0x02
	// IntegrityMD5_128 is the keyed (non-HMAC) MD5 of IPMI v1.5 carried
	// forward into suite 11/12.
	IntegrityMD5_128 IntegrityAlg = 0x03
	// IntegrityHMACSHA256_128 is the 16-byte truncated HMAC-SHA256.
	IntegrityHMACSHA256_128 IntegrityAlg = 0x04
)

// String returns the algorithm name.
func (ia IntegrityAlg) String() string {
	switch ia {
	case IntegrityNone:
		return "none"
	case IntegrityHMACSHA1_96:
		return "hmac-sha1-96"
	case IntegrityHMACMD5_128:
		return "hmac-md5-128"
	case IntegrityMD5_128:
		return "md5-128"
	case IntegrityHMACSHA256_128:
		return "hmac-sha256-128"
	default:
		return "unknown"
	}
}

// AuthCodeSize returns the session trailer AuthCode length in bytes.
func (ia IntegrityAlg) AuthCodeSize() int {
	switch ia {
	case IntegrityHMACSHA1_96:
		return 12
	case IntegrityHMACMD5_128, IntegrityMD5_128, IntegrityHMACSHA256_128:
		return 16
	default:
		return 0
	}
}

// AuthCode computes the session trailer AuthCode over data keyed with k1,
// truncated to AuthCodeSize. MD5-128 ignores HMAC and hashes key||data||key
// per the IPMI v1.5 AuthCode construction.
func (ia IntegrityAlg) AuthCode(k1, data []byte) []byte {
	switch ia {
	case IntegrityHMACSHA1_96:
		mac := hmac.New(sha1.New, k1)
		mac.Write(data)
		return mac.Sum(nil)[:12]
	case IntegrityHMACMD5_128:
		mac := hmac.New(md5.New, k1)
		mac.Write(data)
		return mac.Sum(nil)[:16]
	case IntegrityMD5_128:
		h := md5.New() //nolint:gosec // G401: MD5-128 is the suite-11/12 wire algorithm
		h.Write(k1)
		h.Write(data)
		h.Write(k1)
		return h.Sum(nil)[:16]
	case IntegrityHMACSHA256_128:
		mac := hmac.New(sha256.New, k1)
		mac.Write(data)
		return mac.Sum(nil)[:16]
	default:
		return nil
	}
}

// ConfAlg is an RMCP+ confidentiality algorithm identifier.
type ConfAlg uint8

const (
	// ConfNone transmits payloads in the clear.
	ConfNone ConfAlg = 0x00
	// ConfAESCBC128 is AES-CBC with a 128-bit key (IPMI v2.0 Section 13.29).
	ConfAESCBC128 ConfAlg = 0x01
	// ConfXRC4128 is xRC4 with a 128-bit key (IPMI v2.0 Section 13.30).
	ConfXRC4128 ConfAlg = 0x02
	// ConfXRC440 is xRC4 with a 40-bit key.
	ConfXRC440 ConfAlg = 0x03
)

// String returns the algorithm name.
func (c ConfAlg) String() string {
	switch c {
	case ConfNone:
		return "none"
	case ConfAESCBC128:
		return "aes-cbc-128"
	case ConfXRC4128:
		return "xrc4-128"
	case ConfXRC440:
		return "xrc4-40"
	default:
		return "unknown"
	}
}

// -------------------------------------------------------------------------
// Cipher Suite Registry — IPMI v2.0 Table 22-20
// -------------------------------------------------------------------------

// CipherSuite is an immutable (authentication, integrity, confidentiality)
// algorithm triple identified by its standard suite ID.
type CipherSuite struct {
	ID        uint8
	Auth      AuthAlg
	Integrity IntegrityAlg
	Conf      ConfAlg
}

// String returns "id:auth/integrity/confidentiality".
func (cs CipherSuite) String() string {
	return fmt.Sprintf("%d:%s/%s/%s", cs.ID, cs.Auth, cs.Integrity, cs.Conf)
}

// ErrUnknownCipherSuite indicates a suite ID outside the registry.
var ErrUnknownCipherSuite = errors.New("unknown cipher suite")

// cipherSuites is the registry of standard suite IDs. IDs 4, 5, 9, 10
// and 13 are not offered by this implementation; of the xRC4 suites
// only 14 is.
//
//nolint:gochecknoglobals // registry is intentionally package-level.
var cipherSuites = []CipherSuite{
	{ID: 0, Auth: AuthNone, Integrity: IntegrityNone, Conf: ConfNone},
	{ID: 1, Auth: AuthHMACSHA1, Integrity: IntegrityNone, Conf: ConfNone},
	{ID: 2, Auth: AuthHMACSHA1, Integrity: IntegrityHMACSHA1_96, Conf: ConfNone},
	{ID: 3, Auth: AuthHMACSHA1, Integrity: IntegrityHMACSHA1_96, Conf: ConfAESCBC128},
	{ID: 6, Auth: AuthHMACMD5, Integrity: IntegrityNone, Conf: ConfNone},
	{ID: 7, Auth: AuthHMACMD5, Integrity: IntegrityHMACMD5_128, Conf: ConfNone},
	{ID: 8, Auth: AuthHMACMD5, Integrity: IntegrityHMACMD5_128, Conf: ConfAESCBC128},
	{ID: 11, Auth: AuthHMACMD5, Integrity: IntegrityMD5_128, Conf: ConfNone},
	{ID: 12, Auth: AuthHMACMD5, Integrity: IntegrityMD5_128, Conf: ConfAESCBC128},
	{ID: 14, Auth: AuthHMACMD5, Integrity: IntegrityMD5_128, Conf: ConfXRC440},
	{ID: 15, Auth: AuthHMACSHA256, Integrity: IntegrityNone, Conf: ConfNone},
	{ID: 16, Auth: AuthHMACSHA256, Integrity: IntegrityHMACSHA256_128, Conf: ConfNone},
	{ID: 17, Auth: AuthHMACSHA256, Integrity: IntegrityHMACSHA256_128, Conf: ConfAESCBC128},
}

// Suites returns the registry in ascending suite-ID order. The returned
// slice is a copy; callers may mutate it freely.
func Suites() []CipherSuite {
	out := make([]CipherSuite, len(cipherSuites))
	copy(out, cipherSuites)
	return out
}

// SuiteByID looks up a suite in the registry.
func SuiteByID(id uint8) (CipherSuite, error) {
	for _, cs := range cipherSuites {
		if cs.ID == id {
			return cs, nil
		}
	}
	return CipherSuite{}, fmt.Errorf("suite %d: %w", id, ErrUnknownCipherSuite)
}

// -------------------------------------------------------------------------
// RAKP Key Derivation — IPMI v2.0 Section 13.31, Section 13.32
// -------------------------------------------------------------------------

// Key derivation constants for the additional keying material
// (IPMI v2.0 Section 13.32: const1 = 0x01 x 20, const2 = 0x02 x 20).
//
//nolint:gochecknoglobals // derivation constants are fixed wire values.
var (
	keyConst1 = [20]byte{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}
	keyConst2 = [20]byte{2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2}
)

// NonceSize is the RAKP random number length in bytes.
const NonceSize = 16

// GUIDSize is the managed system GUID length in bytes.
const GUIDSize = 16

// Keys holds the derived session keying material.
type Keys struct {
	// SIK is the Session Integrity Key.
	SIK []byte
	// K1 keys the session trailer AuthCode.
	K1 []byte
	// K2 keys payload confidentiality; AES-CBC-128 uses its first
	// 16 bytes.
	K2 []byte
}

// DeriveKeys computes SIK, K1 and K2 for a suite.
//
// SIK = Auth(K, systemNonce || consoleNonce || role || len(user) || user)
// where K is the BMC key when provisioned and the user password
// otherwise, systemNonce is the managed system's random from RAKP
// Message 2, consoleNonce is the console's random from RAKP Message 1,
// and role is the RAKP Message 1 role byte (privilege plus lookup
// flag, Rakp1.RoleByte). K1 = Auth(SIK, const1); K2 = Auth(SIK, const2).
func (cs CipherSuite) DeriveKeys(
	password, bmcKey []byte,
	systemNonce, consoleNonce []byte,
	role uint8,
	username string,
) Keys {
	if cs.Auth == AuthNone {
		return Keys{}
	}

	kg := password
	if len(bmcKey) > 0 {
		kg = bmcKey
	}

	buf := make([]byte, 0, 2*NonceSize+2+len(username))
	buf = append(buf, systemNonce...)
	buf = append(buf, consoleNonce...)
	buf = append(buf, role)
	buf = append(buf, byte(len(username)))
	buf = append(buf, username...)

	sik := cs.Auth.Mac(kg, buf)

	return Keys{
		SIK: sik,
		K1:  cs.Auth.Mac(sik, keyConst1[:]),
		K2:  cs.Auth.Mac(sik, keyConst2[:]),
	}
}

// Rakp2AuthInput assembles the MAC input the managed system signs in
// RAKP Message 2: both session IDs, both nonces, the system GUID, and
// the RAKP Message 1 role byte and username.
func Rakp2AuthInput(
	consoleSID, systemSID uint32,
	consoleNonce, systemNonce, systemGUID []byte,
	role uint8,
	username string,
) []byte {
	buf := make([]byte, 0, 8+2*NonceSize+GUIDSize+2+len(username))
	buf = appendUint32LE(buf, consoleSID)
	buf = appendUint32LE(buf, systemSID)
	buf = append(buf, consoleNonce...)
	buf = append(buf, systemNonce...)
	buf = append(buf, systemGUID...)
	buf = append(buf, role)
	buf = append(buf, byte(len(username)))
	buf = append(buf, username...)
	return buf
}

// Rakp3AuthInput assembles the MAC input the console signs in RAKP
// Message 3: the system nonce, the console session ID, and the RAKP
// Message 1 role byte and username.
func Rakp3AuthInput(
	consoleSID uint32,
	systemNonce []byte,
	role uint8,
	username string,
) []byte {
	buf := make([]byte, 0, NonceSize+4+2+len(username))
	buf = append(buf, systemNonce...)
	buf = appendUint32LE(buf, consoleSID)
	buf = append(buf, role)
	buf = append(buf, byte(len(username)))
	buf = append(buf, username...)
	return buf
}

// Rakp4ICVInput assembles the integrity check input the managed system
// signs with the SIK in RAKP Message 4: the console nonce, the managed
// system session ID, and the system GUID.
func Rakp4ICVInput(systemSID uint32, consoleNonce, systemGUID []byte) []byte {
	buf := make([]byte, 0, NonceSize+4+GUIDSize)
	buf = append(buf, consoleNonce...)
	buf = appendUint32LE(buf, systemSID)
	buf = append(buf, systemGUID...)
	return buf
}

// appendUint32LE appends v in RMCP+ little-endian byte order.
func appendUint32LE(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}
