// Package idgen generates ClientIds for regular (non-serverless) clients:
// prefix + monotonic counter + 12-char random alphanumeric suffix (§3).
package idgen

import (
	"fmt"
	"sync/atomic"

	uuid "github.com/hashicorp/go-uuid"

	"github.com/lineageos/carservice-remotetaskd/internal/types"
)

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Generator produces ClientIds with a stable prefix and a monotonic
// counter owned by the Generator, mirroring the teacher's helper/uuid.Generate wrapper
// idiom but filtered to a fixed-width alphanumeric suffix.
type Generator struct {
	prefix  string
	counter uint64
}

func New(prefix string) *Generator {
	return &Generator{prefix: prefix}
}

// Next returns the next ClientId: "<prefix><counter>-<12 random chars>".
func (g *Generator) Next() (types.ClientId, error) {
	n := atomic.AddUint64(&g.counter, 1)
	suffix, err := randomAlphanumeric(12)
	if err != nil {
		return "", fmt.Errorf("idgen: generate suffix: %w", err)
	}
	return types.ClientId(fmt.Sprintf("%s%d-%s", g.prefix, n, suffix)), nil
}

func randomAlphanumeric(n int) (string, error) {
	raw, err := uuid.GenerateRandomBytes(n)
	if err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range raw {
		out[i] = alphanumeric[int(b)%len(alphanumeric)]
	}
	return string(out), nil
}
