// Package pingcodec implements the control-plane ping protocol: a
// timestamped, salted hash of a shared secret that proves possession of the
// secret without ever putting it on the wire.
package pingcodec

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	saltLength = 50

	// MaxAge is how far in the past a ping's timestamp may be and still verify.
	MaxAge = 30 * time.Second
	// MaxSkew is how far in the future a ping's timestamp may be and still
	// verify. Asymmetric with MaxAge: it only needs to tolerate a client
	// clock that runs a little ahead, never one that runs far behind.
	MaxSkew = 5 * time.Second
)

// Ping is a self-contained proof of knowledge of a shared secret, pinned to
// a point in time.
type Ping struct {
	TimeMillis int64  `json:"time"`
	Salt       string `json:"salt"`
	Hash       string `json:"hash"`
}

// Issue produces a new Ping proving knowledge of secret as of now.
func Issue(secret string) (Ping, error) {
	salt := randomSalt()
	now := time.Now().UnixMilli()
	return Ping{
		TimeMillis: now,
		Salt:       salt,
		Hash:       digest(secret, now, salt),
	}, nil
}

// Verify reports whether p proves knowledge of secret within the
// acceptance window: no more than MaxAge in the past, no more than MaxSkew
// in the future.
func Verify(p Ping, secret string) bool {
	now := time.Now().UnixMilli()
	age := now - p.TimeMillis
	if age > MaxAge.Milliseconds() {
		return false
	}
	if age < -MaxSkew.Milliseconds() {
		return false
	}
	want := digest(secret, p.TimeMillis, p.Salt)
	return want == p.Hash
}

func digest(secret string, timeMillis int64, salt string) string {
	h := sha256.New()
	h.Write([]byte(salt))
	h.Write([]byte(":"))
	h.Write([]byte(fmt.Sprintf("%d", timeMillis)))
	h.Write([]byte(":"))
	h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil))
}

// randomSalt produces a 50-character alphanumeric salt by concatenating
// UUIDv4 hex digits (stripped of their hyphens) until there are enough.
func randomSalt() string {
	var b strings.Builder
	for b.Len() < saltLength {
		b.WriteString(strings.ReplaceAll(uuid.NewString(), "-", ""))
	}
	return b.String()[:saltLength]
}
