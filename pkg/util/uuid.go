package util

import (
	"encoding/hex"

	"github.com/google/uuid"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// UUIDGenerator is equal to the signature of the UUID library's UUID
// generation functions. It is used within this codebase to make the
// generator injectable as part of unit tests.
type UUIDGenerator func() (uuid.UUID, error)

var _ UUIDGenerator = uuid.NewRandom
var _ UUIDGenerator = uuid.NewUUID

// NewHexID generates an identifier consisting of the requested number
// of lowercase hexadecimal digits, at most 32, taken from a freshly
// generated UUID.
func NewHexID(generateUUID UUIDGenerator, digits int) (string, error) {
	id, err := generateUUID()
	if err != nil {
		return "", StatusWrap(err, "Failed to generate UUID")
	}
	encoded := hex.EncodeToString(id[:])
	if digits < 1 || digits > len(encoded) {
		return "", status.Errorf(codes.InvalidArgument, "Identifier length %d digits is not in range [1, %d]", digits, len(encoded))
	}
	return encoded[:digits], nil
}
