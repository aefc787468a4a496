package cryptoutil

import (
	"crypto/rand"
	"math/big"
	"strings"

	"firma-sign/core/internal/model"
)

// GenerateTransferCode returns an n-digit numeric code drawn from a CSPRNG
// using rejection sampling, so every digit is unbiased. This corrects the
// naive `rand % 10` approach the original implementation used (§9 "Unbiased
// random selection"), in the same spirit as the teacher's
// PeerManagement.Sample, which rejects biased residues via crand.Int against
// a shrinking range rather than a raw modulo.
func GenerateTransferCode(n int) (string, error) {
	if n <= 0 {
		return "", model.New(model.InvalidConfig, "transfer code length must be positive")
	}
	var b strings.Builder
	b.Grow(n)
	ten := big.NewInt(10)
	for i := 0; i < n; i++ {
		digit, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", model.Wrap(model.OperationFailed, "generate transfer code", err)
		}
		b.WriteByte(byte('0' + digit.Int64()))
	}
	return b.String(), nil
}
