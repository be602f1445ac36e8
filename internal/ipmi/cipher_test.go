package ipmi_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/dantte-lp/goipmi/internal/ipmi"
)

// TestSuiteRegistry pins the registry contents against the standard
// suite assignments.
func TestSuiteRegistry(t *testing.T) {
	t.Parallel()

	wantIDs := []uint8{0, 1, 2, 3, 6, 7, 8, 11, 12, 14, 15, 16, 17}

	suites := ipmi.Suites()
	if len(suites) != len(wantIDs) {
		t.Fatalf("registry has %d suites, want %d", len(suites), len(wantIDs))
	}
	for i, id := range wantIDs {
		if suites[i].ID != id {
			t.Errorf("suites[%d].ID = %d, want %d", i, suites[i].ID, id)
		}
	}

	tests := []struct {
		id        uint8
		auth      ipmi.AuthAlg
		integrity ipmi.IntegrityAlg
		conf      ipmi.ConfAlg
	}{
		{0, ipmi.AuthNone, ipmi.IntegrityNone, ipmi.ConfNone},
		{3, ipmi.AuthHMACSHA1, ipmi.IntegrityHMACSHA1_96, ipmi.ConfAESCBC128},
		{8, ipmi.AuthHMACMD5, ipmi.IntegrityHMACMD5_128, ipmi.ConfAESCBC128},
		{12, ipmi.AuthHMACMD5, ipmi.IntegrityMD5_128, ipmi.ConfAESCBC128},
		{14, ipmi.AuthHMACMD5, ipmi.IntegrityMD5_128, ipmi.ConfXRC440},
		{17, ipmi.AuthHMACSHA256, ipmi.IntegrityHMACSHA256_128, ipmi.ConfAESCBC128},
	}
	for _, tt := range tests {
		cs, err := ipmi.SuiteByID(tt.id)
		if err != nil {
			t.Fatalf("SuiteByID(%d): %v", tt.id, err)
		}
		if cs.Auth != tt.auth || cs.Integrity != tt.integrity || cs.Conf != tt.conf {
			t.Errorf("suite %d = %s, want %s/%s/%s", tt.id, cs, tt.auth, tt.integrity, tt.conf)
		}
	}

	if _, err := ipmi.SuiteByID(5); !errors.Is(err, ipmi.ErrUnknownCipherSuite) {
		t.Errorf("SuiteByID(5) err = %v, want ErrUnknownCipherSuite", err)
	}
}

// TestDeriveKeysDeterministic verifies key derivation is a pure
// function of its inputs, that K1 and K2 differ, and that the BMC key
// overrides the password when provisioned.
func TestDeriveKeysDeterministic(t *testing.T) {
	t.Parallel()

	suite, err := ipmi.SuiteByID(3)
	if err != nil {
		t.Fatal(err)
	}

	password := []byte("admin-password")
	sysNonce := bytes.Repeat([]byte{0xaa}, ipmi.NonceSize)
	conNonce := bytes.Repeat([]byte{0x55}, ipmi.NonceSize)
	role := (&ipmi.Rakp1{Privilege: ipmi.PrivilegeAdministrator}).RoleByte()

	k1 := suite.DeriveKeys(password, nil, sysNonce, conNonce, role, "admin")
	k2 := suite.DeriveKeys(password, nil, sysNonce, conNonce, role, "admin")

	if !bytes.Equal(k1.SIK, k2.SIK) || !bytes.Equal(k1.K1, k2.K1) || !bytes.Equal(k1.K2, k2.K2) {
		t.Fatal("derivation is not deterministic")
	}
	if len(k1.SIK) != 20 || len(k1.K1) != 20 || len(k1.K2) != 20 {
		t.Fatalf("sha1 key lengths = %d/%d/%d, want 20", len(k1.SIK), len(k1.K1), len(k1.K2))
	}
	if bytes.Equal(k1.K1, k1.K2) {
		t.Fatal("K1 equals K2")
	}

	withKG := suite.DeriveKeys(password, []byte("bmc-key"), sysNonce, conNonce,
		role, "admin")
	if bytes.Equal(withKG.SIK, k1.SIK) {
		t.Fatal("BMC key did not change the SIK")
	}

	other := suite.DeriveKeys(password, nil, conNonce, sysNonce,
		role, "admin")
	if bytes.Equal(other.SIK, k1.SIK) {
		t.Fatal("nonce order does not affect the SIK")
	}
}

// TestAuthAlgSizes pins digest and ICV sizes per algorithm.
func TestAuthAlgSizes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		alg    ipmi.AuthAlg
		digest int
		icv    int
	}{
		{ipmi.AuthNone, 0, 0},
		{ipmi.AuthHMACSHA1, 20, 12},
		{ipmi.AuthHMACMD5, 16, 16},
		{ipmi.AuthHMACSHA256, 32, 16},
	}
	for _, tt := range tests {
		if got := tt.alg.DigestSize(); got != tt.digest {
			t.Errorf("%s digest size = %d, want %d", tt.alg, got, tt.digest)
		}
		if got := tt.alg.ICVSize(); got != tt.icv {
			t.Errorf("%s ICV size = %d, want %d", tt.alg, got, tt.icv)
		}
	}
}

// TestIntegrityAuthCodeSizes verifies trailer AuthCode truncation.
func TestIntegrityAuthCodeSizes(t *testing.T) {
	t.Parallel()

	k1 := bytes.Repeat([]byte{0x11}, 20)
	data := []byte("session header and payload")

	tests := []struct {
		alg  ipmi.IntegrityAlg
		size int
	}{
		{ipmi.IntegrityNone, 0},
		{ipmi.IntegrityHMACSHA1_96, 12},
		{ipmi.IntegrityHMACMD5_128, 16},
		{ipmi.IntegrityMD5_128, 16},
		{ipmi.IntegrityHMACSHA256_128, 16},
	}
	for _, tt := range tests {
		if got := tt.alg.AuthCodeSize(); got != tt.size {
			t.Errorf("%s AuthCodeSize = %d, want %d", tt.alg, got, tt.size)
		}
		if got := len(tt.alg.AuthCode(k1, data)); got != tt.size {
			t.Errorf("%s AuthCode length = %d, want %d", tt.alg, got, tt.size)
		}
	}
}

// TestRakpMacInputsDiffer guards against two different exchanges
// producing identical MAC inputs.
func TestRakpMacInputsDiffer(t *testing.T) {
	t.Parallel()

	conNonce := bytes.Repeat([]byte{0x01}, ipmi.NonceSize)
	sysNonce := bytes.Repeat([]byte{0x02}, ipmi.NonceSize)
	guid := bytes.Repeat([]byte{0x03}, ipmi.GUIDSize)
	admin := (&ipmi.Rakp1{Privilege: ipmi.PrivilegeAdministrator}).RoleByte()
	operator := (&ipmi.Rakp1{Privilege: ipmi.PrivilegeOperator}).RoleByte()

	a := ipmi.Rakp2AuthInput(100, 200, conNonce, sysNonce, guid, admin, "admin")
	b := ipmi.Rakp2AuthInput(101, 200, conNonce, sysNonce, guid, admin, "admin")
	if bytes.Equal(a, b) {
		t.Error("rakp2 inputs identical for different console session IDs")
	}

	c := ipmi.Rakp3AuthInput(100, sysNonce, admin, "admin")
	d := ipmi.Rakp3AuthInput(100, sysNonce, operator, "admin")
	if bytes.Equal(c, d) {
		t.Error("rakp3 inputs identical for different roles")
	}

	e := ipmi.Rakp4ICVInput(200, conNonce, guid)
	f := ipmi.Rakp4ICVInput(201, conNonce, guid)
	if bytes.Equal(e, f) {
		t.Error("rakp4 inputs identical for different system session IDs")
	}
}
