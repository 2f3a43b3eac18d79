package room

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"
)

const (
	CodeLength   = 6
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// NewCode returns a random room code
func NewCode() (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < CodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NormalizeCode upper-cases a user supplied code and reports whether it is
// well formed.
func NormalizeCode(code string) (string, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != CodeLength {
		return "", false
	}
	for i := 0; i < len(code); i++ {
		if !strings.ContainsRune(codeAlphabet, rune(code[i])) {
			return "", false
		}
	}
	return code, true
}

var palette = []string{
	"#E06C75", "#98C379", "#E5C07B", "#61AFEF",
	"#C678DD", "#56B6C2", "#D19A66", "#BE5046",
	"#7EC8E3", "#F4A261", "#2A9D8F", "#B5838D",
}

// colorFor picks the least used palette color
func colorFor(used []string) string {
	counts := make(map[string]int, len(used))
	for _, c := range used {
		counts[c]++
	}
	best := palette[0]
	for _, c := range palette {
		if counts[c] < counts[best] {
			best = c
		}
	}
	return best
}

var newParticipantID = func() string {
	return ulid.Make().String()
}

// displayHash is the short public handle shown to other participants.
// It is derived from, but does not reveal, the participant id.
func displayHash(roomCode, participantID string) string {
	sum := blake3.Sum256([]byte(roomCode + ":" + participantID))
	return hex.EncodeToString(sum[:4])
}
