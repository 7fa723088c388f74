// Package token shapes dequeued token rows into the comma-separated wire
// fields consumed by the downstream sender.
package token

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"tokenflow/signer"
)

// Actions recognized by the upstream schema.
const (
	ActionActivation       = "activation"
	ActionPasswordRecovery = "password_recovery"
)

// SecretSize is the required length of a token secret in bytes.
const SecretSize = 32

// ErrBadSecret signals a secret whose length is not SecretSize.
var ErrBadSecret = errors.New("token: secret is not 32 bytes")

// Row is one tuple returned by the dequeue statement.
type Row struct {
	Action string
	Email  string
	Login  string
	Secret []byte
	Code   string
}

// ActionCode maps an action string to its wire identifier. Unknown actions
// map to 0 so downstream field positions stay stable.
func ActionCode(action string) int {
	switch action {
	case ActionActivation:
		return 1
	case ActionPasswordRecovery:
		return 2
	default:
		return 0
	}
}

// SigningInput builds the bytes signed for a row. Activation binds the
// secret to the activation endpoint; recovery additionally binds the
// confirmation code. Unknown actions yield an empty input.
func SigningInput(action string, secret []byte, code string) []byte {
	switch action {
	case ActionActivation:
		input := make([]byte, 0, len("/activate")+len(secret))
		input = append(input, "/activate"...)
		return append(input, secret...)
	case ActionPasswordRecovery:
		input := make([]byte, 0, len("/recover")+len(secret)+len(code))
		input = append(input, "/recover"...)
		input = append(input, secret...)
		return append(input, code...)
	default:
		return []byte{}
	}
}

// Encode renders bytes with the URL-safe base64 alphabet and no padding.
// A 64-byte input encodes to exactly 86 characters.
func Encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// Shape produces the five wire fields for one row:
//
//	action_code,email,login,encoded_token,code
//
// where encoded_token carries secret‖MAC(signing input). The row is rejected
// whole; a returned error means nothing of it belongs on the wire.
func Shape(s *signer.Signer, row Row) (string, error) {
	if len(row.Secret) != SecretSize {
		return "", fmt.Errorf("%w: got %d", ErrBadSecret, len(row.Secret))
	}

	mac, err := s.Sign(SigningInput(row.Action, row.Secret, row.Code))
	if err != nil {
		return "", fmt.Errorf("token: sign row: %w", err)
	}

	combined := make([]byte, 0, SecretSize+signer.MACSize)
	combined = append(combined, row.Secret...)
	combined = append(combined, mac...)

	var b strings.Builder
	fmt.Fprintf(&b, "%d,%s,%s,%s,%s", ActionCode(row.Action), row.Email, row.Login, Encode(combined), row.Code)
	return b.String(), nil
}
