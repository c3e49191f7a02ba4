package session

import (
	"crypto/rand"
	"encoding/base32"
)

// accessCodeLength is the fixed length of a session access code.
const accessCodeLength = 32

var codeEncoding = base32.NewEncoding("0123456789abcdefghjkmnpqrstvwxyz").WithPadding(base32.NoPadding)

// GenerateAccessCode returns a 32-character opaque session identifier drawn
// from crypto/rand. Uniqueness against live sessions is checked by the
// Registry at insert time.
func GenerateAccessCode() string {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		panic(err)
	}
	return codeEncoding.EncodeToString(raw)[:accessCodeLength]
}
