package ipmi_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/dantte-lp/goipmi/internal/ipmi"
)

// TestOpenSessionRoundTrip verifies the Open Session Request/Response
// pair survives a marshal/unmarshal cycle bitwise.
func TestOpenSessionRoundTrip(t *testing.T) {
	t.Parallel()

	suite, err := ipmi.SuiteByID(3)
	if err != nil {
		t.Fatal(err)
	}

	req := &ipmi.OpenSessionRequest{
		MessageTag: 0x2a,
		Privilege:  ipmi.PrivilegeAdministrator,
		ConsoleSID: 0x00000164,
		Suite:      suite,
	}
	gotReq, err := ipmi.UnmarshalOpenSessionRequest(req.Marshal())
	if err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if gotReq.MessageTag != req.MessageTag || gotReq.Privilege != req.Privilege ||
		gotReq.ConsoleSID != req.ConsoleSID {
		t.Errorf("request round trip: got %+v, want %+v", gotReq, req)
	}
	if gotReq.Suite.Auth != suite.Auth || gotReq.Suite.Integrity != suite.Integrity ||
		gotReq.Suite.Conf != suite.Conf {
		t.Errorf("request suite round trip: got %s, want %s", gotReq.Suite, suite)
	}

	resp := &ipmi.OpenSessionResponse{
		MessageTag: 0x2a,
		Status:     ipmi.RakpStatusNoErrors,
		Privilege:  ipmi.PrivilegeAdministrator,
		ConsoleSID: 0x00000164,
		SystemSID:  0xAABBCCDD,
		Suite:      suite,
	}
	gotResp, err := ipmi.UnmarshalOpenSessionResponse(resp.Marshal())
	if err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if gotResp.SystemSID != resp.SystemSID || gotResp.ConsoleSID != resp.ConsoleSID {
		t.Errorf("response round trip: got %+v, want %+v", gotResp, resp)
	}
}

// TestOpenSessionErrorResponseIsShort verifies an error status response
// parses without the algorithm records.
func TestOpenSessionErrorResponseIsShort(t *testing.T) {
	t.Parallel()

	resp := &ipmi.OpenSessionResponse{
		MessageTag: 0x07,
		Status:     ipmi.RakpStatusNoMatchingCipherSuite,
	}
	got, err := ipmi.UnmarshalOpenSessionResponse(resp.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != ipmi.RakpStatusNoMatchingCipherSuite || got.MessageTag != 0x07 {
		t.Errorf("got %+v", got)
	}
	if err := got.Status.Check(); !errors.Is(err, ipmi.ErrAuthenticationFailed) {
		t.Errorf("status check = %v, want ErrAuthenticationFailed", err)
	}
}

// TestRakpRoundTrips verifies each RAKP message codec round-trips,
// including nonces, GUIDs, and variable-length auth codes.
func TestRakpRoundTrips(t *testing.T) {
	t.Parallel()

	var conNonce [ipmi.NonceSize]byte
	for i := range conNonce {
		conNonce[i] = byte(i)
	}

	r1 := &ipmi.Rakp1{
		MessageTag:   0x11,
		SystemSID:    0xAABBCCDD,
		ConsoleNonce: conNonce,
		Privilege:    ipmi.PrivilegeAdministrator,
		Username:     "admin",
	}
	gotR1, err := ipmi.UnmarshalRakp1(r1.Marshal())
	if err != nil {
		t.Fatalf("rakp1: %v", err)
	}
	if gotR1.SystemSID != r1.SystemSID || gotR1.Username != r1.Username ||
		gotR1.ConsoleNonce != r1.ConsoleNonce || gotR1.Privilege != r1.Privilege ||
		gotR1.PrivilegeLookup != r1.PrivilegeLookup {
		t.Errorf("rakp1 round trip: got %+v, want %+v", gotR1, r1)
	}

	var sysNonce [ipmi.NonceSize]byte
	var guid [ipmi.GUIDSize]byte
	for i := range sysNonce {
		sysNonce[i] = byte(0x20 + i)
		guid[i] = byte(0x40 + i)
	}

	r2 := &ipmi.Rakp2{
		MessageTag:  0x11,
		Status:      ipmi.RakpStatusNoErrors,
		ConsoleSID:  0x164,
		SystemNonce: sysNonce,
		SystemGUID:  guid,
		AuthCode:    bytes.Repeat([]byte{0xab}, 20),
	}
	gotR2, err := ipmi.UnmarshalRakp2(r2.Marshal())
	if err != nil {
		t.Fatalf("rakp2: %v", err)
	}
	if gotR2.SystemNonce != r2.SystemNonce || gotR2.SystemGUID != r2.SystemGUID ||
		!bytes.Equal(gotR2.AuthCode, r2.AuthCode) {
		t.Errorf("rakp2 round trip: got %+v, want %+v", gotR2, r2)
	}

	r3 := &ipmi.Rakp3{
		MessageTag: 0x11,
		Status:     ipmi.RakpStatusNoErrors,
		SystemSID:  0xAABBCCDD,
		AuthCode:   bytes.Repeat([]byte{0xcd}, 20),
	}
	gotR3, err := ipmi.UnmarshalRakp3(r3.Marshal())
	if err != nil {
		t.Fatalf("rakp3: %v", err)
	}
	if gotR3.SystemSID != r3.SystemSID || !bytes.Equal(gotR3.AuthCode, r3.AuthCode) {
		t.Errorf("rakp3 round trip: got %+v, want %+v", gotR3, r3)
	}

	r4 := &ipmi.Rakp4{
		MessageTag: 0x11,
		Status:     ipmi.RakpStatusNoErrors,
		ConsoleSID: 0x164,
		ICV:        bytes.Repeat([]byte{0xef}, 12),
	}
	gotR4, err := ipmi.UnmarshalRakp4(r4.Marshal())
	if err != nil {
		t.Fatalf("rakp4: %v", err)
	}
	if gotR4.ConsoleSID != r4.ConsoleSID || !bytes.Equal(gotR4.ICV, r4.ICV) {
		t.Errorf("rakp4 round trip: got %+v, want %+v", gotR4, r4)
	}
}

// TestRakp1RoleByte pins the role byte encoding: name-only lookup is
// the default and clearing it requests (name, privilege) pair lookup.
func TestRakp1RoleByte(t *testing.T) {
	t.Parallel()

	nameOnly := &ipmi.Rakp1{Privilege: ipmi.PrivilegeAdministrator}
	if got := nameOnly.RoleByte(); got != 0x14 {
		t.Errorf("name-only role byte = %#x, want 0x14", got)
	}
	if got := nameOnly.Marshal()[24]; got != 0x14 {
		t.Errorf("marshalled role byte = %#x, want 0x14", got)
	}

	pairLookup := &ipmi.Rakp1{
		Privilege:       ipmi.PrivilegeAdministrator,
		PrivilegeLookup: true,
	}
	if got := pairLookup.RoleByte(); got != 0x04 {
		t.Errorf("pair-lookup role byte = %#x, want 0x04", got)
	}

	got, err := ipmi.UnmarshalRakp1(pairLookup.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if !got.PrivilegeLookup || got.Privilege != ipmi.PrivilegeAdministrator {
		t.Errorf("pair-lookup round trip: %+v", got)
	}
}

// TestRakp1RejectsOversizeUsername guards the username length bound.
func TestRakp1RejectsOversizeUsername(t *testing.T) {
	t.Parallel()

	raw := (&ipmi.Rakp1{MessageTag: 1, Username: "admin"}).Marshal()
	raw[27] = 40 // claim a username longer than the buffer

	if _, err := ipmi.UnmarshalRakp1(raw); !errors.Is(err, ipmi.ErrProtocolViolation) {
		t.Fatalf("err = %v, want ErrProtocolViolation", err)
	}
}

// TestRakpStatusCheck verifies the success/failure mapping.
func TestRakpStatusCheck(t *testing.T) {
	t.Parallel()

	if err := ipmi.RakpStatusNoErrors.Check(); err != nil {
		t.Errorf("no-errors check = %v", err)
	}
	for _, status := range []ipmi.RakpStatus{
		ipmi.RakpStatusInsufficientResources,
		ipmi.RakpStatusUnauthorizedName,
		ipmi.RakpStatusInvalidIntegrityCheck,
		ipmi.RakpStatus(0x42),
	} {
		if err := status.Check(); !errors.Is(err, ipmi.ErrAuthenticationFailed) {
			t.Errorf("status %s check = %v, want ErrAuthenticationFailed", status, err)
		}
	}
}
