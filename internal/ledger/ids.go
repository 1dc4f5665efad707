package ledger

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// trackingSuffixLength is the number of random base36 characters in a tracking id
const trackingSuffixLength = 9

// GenerateTrackingID returns a collection tracking id of the form TRK-<unix millis>-<random>
func GenerateTrackingID(now time.Time) string {
	id := uuid.New()
	suffix := strconv.FormatUint(binary.BigEndian.Uint64(id[:8]), 36)
	if len(suffix) < trackingSuffixLength {
		suffix = strings.Repeat("0", trackingSuffixLength-len(suffix)) + suffix
	}
	return fmt.Sprintf("TRK-%d-%s", now.UnixMilli(), strings.ToUpper(suffix[:trackingSuffixLength]))
}

// PhotoHash returns the digest of a photo, stored on ledger records instead of the photo itself
func PhotoHash(digest Digest, photo []byte) string {
	return digest.Sum(photo)
}
