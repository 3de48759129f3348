// Package registry maps subdomains to live tunnels. The inbox queue's
// existence in the Transport is the sole source of truth for
// liveness, per spec §4.B: there is no separate bookkeeping map to
// drift out of sync with the transport.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/lance0/tunneld/internal/transport"
)

// Registry claims and releases subdomains against a Transport.
type Registry struct {
	transport transport.Transport

	// claimMu serializes Claim end-to-end so that two concurrent
	// proposals for the same subdomain cannot both observe "free" and
	// both create it. The Transport's own Create is idempotent by
	// design (spec §4.A) and therefore not itself a collision signal.
	claimMu sync.Mutex
}

// New builds a Registry backed by t.
func New(t transport.Transport) *Registry {
	return &Registry{transport: t}
}

// Claim returns proposed if it is free, otherwise a freshly generated
// 32-hex subdomain, and creates its inbox queue either way.
func (r *Registry) Claim(ctx context.Context, proposed string) (string, error) {
	r.claimMu.Lock()
	defer r.claimMu.Unlock()

	subdomain := proposed
	if subdomain != "" {
		exists, err := r.transport.Exists(ctx, subdomain)
		if err != nil {
			return "", fmt.Errorf("registry: check %q: %w", subdomain, err)
		}
		if exists {
			subdomain = ""
		}
	}
	if subdomain == "" {
		subdomain = generate()
	}

	if err := r.transport.Create(ctx, subdomain); err != nil {
		return "", fmt.Errorf("registry: create inbox for %q: %w", subdomain, err)
	}
	return subdomain, nil
}

// Release deletes a tunnel's inbox queue, ending its liveness.
func (r *Registry) Release(ctx context.Context, subdomain string) error {
	if err := r.transport.Delete(ctx, subdomain); err != nil {
		return fmt.Errorf("registry: release %q: %w", subdomain, err)
	}
	return nil
}

// generate returns a fresh 32-character lowercase hex label.
func generate() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
