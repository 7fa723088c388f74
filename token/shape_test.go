package token

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"tokenflow/signer"
)

const testKeyHex = "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"

func newTestSigner(t *testing.T) *signer.Signer {
	t.Helper()
	key, err := hex.DecodeString(testKeyHex)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	s, err := signer.New(key)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func referenceMAC(t *testing.T, input []byte) []byte {
	t.Helper()
	key, _ := hex.DecodeString(testKeyHex)
	m := hmac.New(sha256.New, key)
	m.Write(input)
	return m.Sum(nil)
}

func TestActionCode(t *testing.T) {
	cases := map[string]int{
		ActionActivation:       1,
		ActionPasswordRecovery: 2,
		"":                     0,
		"email_change":         0,
	}
	for action, want := range cases {
		if got := ActionCode(action); got != want {
			t.Fatalf("ActionCode(%q) = %d, want %d", action, got, want)
		}
	}
}

func TestSigningInput(t *testing.T) {
	secret := bytes.Repeat([]byte{0x01}, SecretSize)

	activate := SigningInput(ActionActivation, secret, "")
	if !bytes.Equal(activate[:9], []byte("/activate")) || !bytes.Equal(activate[9:], secret) {
		t.Fatalf("unexpected activation input: %x", activate)
	}
	if len(activate) != 9+SecretSize {
		t.Fatalf("activation input length %d", len(activate))
	}

	recovery := SigningInput(ActionPasswordRecovery, secret, "12345")
	if !bytes.Equal(recovery[:8], []byte("/recover")) {
		t.Fatalf("unexpected recovery prefix: %x", recovery[:8])
	}
	if !bytes.Equal(recovery[8:8+SecretSize], secret) || string(recovery[8+SecretSize:]) != "12345" {
		t.Fatalf("unexpected recovery input: %x", recovery)
	}

	if got := SigningInput("bogus", secret, ""); len(got) != 0 {
		t.Fatalf("expected empty input for unknown action, got %x", got)
	}
}

func TestEncode_URLSafeNoPadding(t *testing.T) {
	// 64 raw bytes must encode to exactly 86 characters.
	raw := bytes.Repeat([]byte{0xFB}, 64)
	enc := Encode(raw)
	if len(enc) != 86 {
		t.Fatalf("expected 86 chars, got %d", len(enc))
	}
	if strings.ContainsAny(enc, "+/=") {
		t.Fatalf("encoding not URL-safe: %q", enc)
	}

	round, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(round, raw) {
		t.Fatal("encoding does not round-trip")
	}
}

func TestShape_ActivationRow(t *testing.T) {
	s := newTestSigner(t)
	secret := make([]byte, SecretSize)

	line, err := Shape(s, Row{Action: ActionActivation, Email: "a@b", Login: "x", Secret: secret})
	if err != nil {
		t.Fatalf("shape: %v", err)
	}

	fields := strings.Split(line, ",")
	if len(fields) != 5 {
		t.Fatalf("expected 5 fields, got %d: %q", len(fields), line)
	}
	if fields[0] != "1" || fields[1] != "a@b" || fields[2] != "x" || fields[4] != "" {
		t.Fatalf("unexpected fields: %q", line)
	}
	if len(fields[3]) != 86 {
		t.Fatalf("expected 86-char token, got %d", len(fields[3]))
	}

	decoded, err := base64.RawURLEncoding.DecodeString(fields[3])
	if err != nil {
		t.Fatalf("decode token: %v", err)
	}
	if !bytes.Equal(decoded[:SecretSize], secret) {
		t.Fatal("token does not start with the secret")
	}
	want := referenceMAC(t, append([]byte("/activate"), secret...))
	if !bytes.Equal(decoded[SecretSize:], want) {
		t.Fatalf("MAC mismatch: got %x want %x", decoded[SecretSize:], want)
	}
}

func TestShape_RecoveryRowBindsCode(t *testing.T) {
	s := newTestSigner(t)
	secret := bytes.Repeat([]byte{0x07}, SecretSize)

	line, err := Shape(s, Row{Action: ActionPasswordRecovery, Email: "m@n", Login: "mn", Secret: secret, Code: "12345"})
	if err != nil {
		t.Fatalf("shape: %v", err)
	}

	fields := strings.Split(line, ",")
	if fields[0] != "2" || fields[4] != "12345" {
		t.Fatalf("unexpected fields: %q", line)
	}

	decoded, err := base64.RawURLEncoding.DecodeString(fields[3])
	if err != nil {
		t.Fatalf("decode token: %v", err)
	}

	input := append([]byte("/recover"), secret...)
	input = append(input, "12345"...)
	if !bytes.Equal(decoded[SecretSize:], referenceMAC(t, input)) {
		t.Fatal("recovery MAC does not bind the code")
	}
}

func TestShape_UnknownActionStaysPositionStable(t *testing.T) {
	s := newTestSigner(t)
	secret := bytes.Repeat([]byte{0x09}, SecretSize)

	line, err := Shape(s, Row{Action: "email_change", Email: "o@p", Login: "op", Secret: secret})
	if err != nil {
		t.Fatalf("shape: %v", err)
	}

	fields := strings.Split(line, ",")
	if len(fields) != 5 || fields[0] != "0" {
		t.Fatalf("unexpected fields: %q", line)
	}

	decoded, _ := base64.RawURLEncoding.DecodeString(fields[3])
	if !bytes.Equal(decoded[SecretSize:], referenceMAC(t, []byte{})) {
		t.Fatal("unknown action must sign the empty input")
	}
}

func TestShape_RejectsShortSecret(t *testing.T) {
	s := newTestSigner(t)

	_, err := Shape(s, Row{Action: ActionActivation, Email: "a@b", Login: "x", Secret: make([]byte, 31)})
	if !errors.Is(err, ErrBadSecret) {
		t.Fatalf("expected ErrBadSecret, got %v", err)
	}
}
