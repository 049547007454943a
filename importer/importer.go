package importer

import (
	"context"

	"github.com/recollect/recollect/imports"
)

// Importer is what each integration implements. Implementations never write
// to the recurring import row themselves; the driver persists context,
// last-run fields, and scheduling adjustments. The one exception is
// credential rotation, which goes through CredentialManager so the new
// refresh token is committed before any further use.
type Importer interface {
	// Source names the integration this importer serves.
	Source() imports.Source

	// ShouldSkip short-circuits a cycle without counting it as a run, e.g.
	// while the source's read-only killswitch is on.
	ShouldSkip(record *imports.RecurringImport) bool

	// FetchAndConvert performs one import cycle. The settings and context
	// arguments are the record's payloads already decoded to the source's
	// concrete types (context is nil on the first cycle for sources that
	// start without one).
	//
	// Expected failures are reported as Result variants. A returned error
	// means the importer could not classify the failure itself; the driver
	// translates it (credential-class errors become permanent, everything
	// else transient) so raw errors never leak past this boundary.
	FetchAndConvert(ctx context.Context, record *imports.RecurringImport, settings imports.Settings, importContext imports.Context) (Result, error)
}
