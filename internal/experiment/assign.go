package experiment

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/sells-group/ab-resolver/internal/model"
)

// SeedSeparator joins the visitor identity and the experiment id.
const SeedSeparator = ":"

// Seed builds the hash seed for a visitor in an experiment. When identity is
// empty a fresh random token is used, which makes the draw non-repeatable;
// callers rely on the sticky variant for those visitors.
func Seed(identity, experimentID string) string {
	if identity == "" {
		identity = uuid.NewString()
	}
	return identity + SeedSeparator + experimentID
}

// Roll maps a seed onto [0,1). It takes the first four bytes of the SHA-256
// digest as a big-endian uint32 and divides by 2^32.
func Roll(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	v := binary.BigEndian.Uint32(sum[:4])
	return float64(v) / (1 << 32)
}

// Assign draws a variant for seed: B when the roll falls below allocationB,
// A otherwise. allocationB is clamped into [0,1], so 0 always yields A and 1
// always yields B.
func Assign(seed string, allocationB float64) model.Variant {
	switch {
	case allocationB < 0:
		allocationB = 0
	case allocationB > 1:
		allocationB = 1
	}
	if Roll(seed) < allocationB {
		return model.VariantB
	}
	return model.VariantA
}
