package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

func GenerateUUID(prefix string) string {
	id := ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0))
	return prefix + "_" + id.String()
}

// GenerateReferenceNumber builds a transfer reference: TXN + epoch millis +
// 8 upper-case hex chars. Example: TXN1712345678901A1B2C3D4
func GenerateReferenceNumber(now time.Time) string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return fmt.Sprintf("TXN%d%s", now.UnixMilli(), strings.ToUpper(hex.EncodeToString(b)))
}

// GenerateAccountNumber returns prefix followed by digits random decimal
// digits, leading zeros kept.
func GenerateAccountNumber(prefix string, digits int) string {
	return prefix + RandomDigits(digits)
}

// RandomDigits draws uniformly from [0, 10^n) and left-pads to n digits.
// n must be at most 18.
func RandomDigits(n int) string {
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil) // 10^n
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		panic(err) // crypto/rand failing is unrecoverable
	}
	return fmt.Sprintf("%0*d", n, v.Int64())
}
