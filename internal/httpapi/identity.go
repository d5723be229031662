package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/Codinablack/SpacetimeDB/internal/client"
)

// HeaderIdentityExtractor is a minimal IdentityExtractor: the caller's
// identity is whatever 32-byte hex string arrives in the named header, or a
// freshly generated one if the header is absent. Real deployments sit a
// proper auth layer in front of the upgrade endpoint (out of scope here, per
// spec.md §1); this exists so the endpoint is exercisable without one.
func HeaderIdentityExtractor(header string) IdentityExtractor {
	return func(r *http.Request) (client.Identity, string, error) {
		raw := r.Header.Get(header)
		if raw == "" {
			return randomIdentity()
		}
		b, err := hex.DecodeString(raw)
		if err != nil || len(b) != 32 {
			return client.Identity{}, "", fmt.Errorf("httpapi: %s must be 32 hex bytes", header)
		}
		var id client.Identity
		copy(id[:], b)
		return id, raw, nil
	}
}

func randomIdentity() (client.Identity, string, error) {
	var id client.Identity
	if _, err := rand.Read(id[:]); err != nil {
		return client.Identity{}, "", fmt.Errorf("generate identity: %w", err)
	}
	return id, id.String(), nil
}
