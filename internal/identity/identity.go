package identity

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/google/uuid"
)

// Palette is the fixed set of cursor colors handed out to users.
var Palette = [8]string{
	"#FF6B6B",
	"#4ECDC4",
	"#45B7D1",
	"#96CEB4",
	"#FFEAA7",
	"#DDA0DD",
	"#98D8C8",
	"#F7DC6F",
}

// GenerateColor picks a palette entry for userID. The same ID always maps
// to the same color; distinct IDs may collide.
func GenerateColor(userID string) string {
	var hash int32
	for _, unit := range utf16.Encode([]rune(userID)) {
		hash = hash*31 + int32(unit)
	}
	// Widen before abs so math.MinInt32 does not stay negative.
	h := int64(hash)
	if h < 0 {
		h = -h
	}
	return Palette[h%int64(len(Palette))]
}

// GenerateSessionID returns a practically unique session identifier.
// Do not rely on it being unguessable.
func GenerateSessionID() string {
	return generate("session")
}

// GenerateUserID returns a practically unique user identifier.
func GenerateUserID() string {
	return generate("user")
}

// GenerateOperationID returns the identifier the relay uses to recognize
// a resent operation.
func GenerateOperationID() string {
	return uuid.NewString()
}

func generate(prefix string) string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 36)
	return prefix + "_" + ts + "_" + randomSuffix()
}

// randomSuffix returns 9 base36 characters drawn from a random UUID.
func randomSuffix() string {
	id := uuid.New()
	var sb strings.Builder
	for _, b := range id[:9] {
		sb.WriteByte(alphabet[int(b)%len(alphabet)])
	}
	return sb.String()
}

const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
