// Package contextdist manages creation, targeted delivery and
// exactly-once-per-scope consumption of inter-worker context packages.
package contextdist

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelworks/foreman/internal/domain"
	"github.com/kestrelworks/foreman/internal/store"
)

// Distributor hands prior artifacts to the correct next worker exactly once
// per iteration scope.
type Distributor struct {
	store store.Store
}

// New creates a Distributor over the ledger.
func New(s store.Store) *Distributor {
	return &Distributor{store: s}
}

// Publish validates and stores a package, redacting sensitive substrings
// from the payload before it is persisted. The package id is assigned here
// if the caller did not provide one.
func (d *Distributor) Publish(ctx context.Context, pkg *domain.ContextPackage) (*domain.ContextPackage, error) {
	if err := pkg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid context package: %v", domain.ErrValidation, err)
	}
	if pkg.PackageID == "" {
		pkg.PackageID = "pkg_" + uuid.New().String()[:8]
	}
	if pkg.Priority == "" {
		pkg.Priority = domain.PriorityMedium
	}
	if pkg.CreatedAt.IsZero() {
		pkg.CreatedAt = time.Now()
	}
	pkg.Payload = Redact(pkg.Payload)

	if err := d.store.CreateContextPackage(ctx, pkg); err != nil {
		return nil, fmt.Errorf("failed to store context package: %w", err)
	}
	return pkg, nil
}

// Fetch returns packages targeted at consumer that are unconsumed under the
// given iteration scope, ordered critical > high > medium > low and by
// creation order within a tier. includeConsumed widens to everything.
func (d *Distributor) Fetch(ctx context.Context, sessionID, groupID string, consumer domain.Stage, iterationScope string, includeConsumed bool) ([]domain.ContextPackage, error) {
	return d.store.ListContextPackages(ctx, store.PackageQuery{
		SessionID:       sessionID,
		GroupID:         groupID,
		Consumer:        consumer,
		IterationScope:  iterationScope,
		IncludeConsumed: includeConsumed,
	})
}

// MarkConsumed records that consumer received the package within the given
// iteration scope. Re-delivery happens only under a new scope; duplicate
// marks are no-ops.
func (d *Distributor) MarkConsumed(ctx context.Context, packageID string, consumer domain.Stage, iterationScope string) error {
	if iterationScope == "" {
		return fmt.Errorf("%w: iteration scope is required", domain.ErrValidation)
	}
	return d.store.MarkPackageConsumed(ctx, packageID, consumer, iterationScope)
}

// Sensitive substrings are masked before persistence. Patterns cover the
// usual credential shapes seen in worker output.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passwd)\s*[:=]\s*\S+`),
	regexp.MustCompile(`\b(sk|ghp|gho|glpat)_[A-Za-z0-9_\-]{16,}\b`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`),
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`),
}

// Redact masks credential-shaped substrings in a payload.
func Redact(payload string) string {
	for _, re := range redactPatterns {
		payload = re.ReplaceAllString(payload, "[REDACTED]")
	}
	return payload
}
