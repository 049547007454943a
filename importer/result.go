// Package importer defines the boundary between the generic import pipeline
// and per-source logic, and the driver that owns the result-to-action
// policy for every integration.
package importer

import (
	"time"

	"github.com/recollect/recollect/content"
	"github.com/recollect/recollect/imports"
)

// Result is the outcome of one import cycle. It is a closed union: the
// driver switches over the four variants and treats anything else as a bug.
type Result interface {
	isResult()
}

// Success carries the fetched artifacts and, when the integration tracks a
// cursor, the context to persist for the next cycle.
type Success struct {
	Artifacts      []content.Artifact
	UpdatedContext imports.Context // nil when nothing changed
}

// NoNewContent means the cycle ran cleanly and found nothing new.
type NoNewContent struct{}

// TransientFailure means the cycle failed in a way that will plausibly
// recover on its own. Detail must be concise and user-presentable, no
// technical internals. A non-zero Delay overrides the natural schedule for
// the next attempt, e.g. a provider-mandated rate-limit wait.
type TransientFailure struct {
	Detail string
	Delay  time.Duration
}

// PermanentFailure means retrying cannot help without user intervention,
// e.g. revoked credentials or a malformed feed URL. The driver disables the
// import. Detail must be concise and user-presentable.
type PermanentFailure struct {
	Detail string
}

func (Success) isResult()          {}
func (NoNewContent) isResult()     {}
func (TransientFailure) isResult() {}
func (PermanentFailure) isResult() {}
