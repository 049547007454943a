package importer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/recollect/recollect/content"
	"github.com/recollect/recollect/errors"
	"github.com/recollect/recollect/imports"
	"github.com/recollect/recollect/killswitch"
)

// ContentSink persists the artifacts a successful cycle produced.
type ContentSink interface {
	UpsertArtifacts(ctx context.Context, record *imports.RecurringImport, artifacts []content.Artifact) (int, error)
}

// Driver runs one import cycle end to end: decode the record's payloads,
// invoke the importer, persist artifacts and updated context, and record the
// outcome on the recurring import row.
//
// All result-to-action policy lives here, identically for every integration.
// In particular, a permanent failure always disables the import; per-source
// code cannot opt out.
type Driver struct {
	store    *imports.Store
	sink     ContentSink
	registry *Registry
	flags    killswitch.Flags
	now      func() time.Time
	log      *zap.SugaredLogger
}

// NewDriver wires the driver. Flags gate per-source read-only mode.
func NewDriver(
	store *imports.Store,
	sink ContentSink,
	registry *Registry,
	flags killswitch.Flags,
	log *zap.SugaredLogger,
) *Driver {
	return &Driver{
		store:    store,
		sink:     sink,
		registry: registry,
		flags:    flags,
		now:      time.Now,
		log:      log.Named("importer"),
	}
}

// Execute runs one cycle for the record. A nil return means the cycle is
// complete, including cycles that ended in a recorded failure; the returned
// error is reserved for infrastructure problems (store writes, unknown
// source) where retrying the whole cycle is the right response.
func (d *Driver) Execute(ctx context.Context, record *imports.RecurringImport) error {
	imp, err := d.registry.Resolve(record.Source)
	if err != nil {
		return err
	}

	if d.flags.ReadOnly(record.Source) {
		d.log.Infow("Skipping import, source is read-only",
			"record_id", record.ID,
			"source", record.Source,
		)
		return nil
	}
	if imp.ShouldSkip(record) {
		d.log.Infow("Skipping import",
			"record_id", record.ID,
			"source", record.Source,
		)
		return nil
	}

	result := d.run(ctx, imp, record)
	return d.apply(ctx, record, result)
}

// run invokes the importer and folds any escaped error into a Result, so
// everything downstream handles exactly four cases.
func (d *Driver) run(ctx context.Context, imp Importer, record *imports.RecurringImport) Result {
	settings, err := imports.DecodeSettings(record)
	if err != nil {
		// Settings are validated on write, so this means the stored payload
		// no longer matches the source's schema. Retrying cannot help.
		d.log.Errorw("Import settings failed to decode",
			"record_id", record.ID,
			"source", record.Source,
			"error", err,
		)
		return PermanentFailure{Detail: "The import configuration is invalid."}
	}
	importContext, err := imports.DecodeContext(record)
	if err != nil {
		d.log.Errorw("Import context failed to decode",
			"record_id", record.ID,
			"source", record.Source,
			"error", err,
		)
		return PermanentFailure{Detail: "The import state is invalid."}
	}

	result, err := imp.FetchAndConvert(ctx, record, settings, importContext)
	if err != nil {
		d.log.Warnw("Import cycle failed",
			"record_id", record.ID,
			"source", record.Source,
			"error", err,
		)
		if errors.IsCredential(err) {
			return PermanentFailure{Detail: "Authorization expired or was revoked. Please reconnect the integration."}
		}
		return TransientFailure{Detail: "A temporary problem occurred. Will retry."}
	}
	return result
}

func (d *Driver) apply(ctx context.Context, record *imports.RecurringImport, result Result) error {
	finishedAt := d.now()

	switch r := result.(type) {
	case Success:
		written, err := d.sink.UpsertArtifacts(ctx, record, r.Artifacts)
		if err != nil {
			return errors.Wrap(err, "persist imported content")
		}
		if r.UpdatedContext != nil {
			if err := d.store.MergeContext(ctx, record.ID, r.UpdatedContext); err != nil {
				return errors.Wrap(err, "persist updated context")
			}
		}
		d.log.Infow("Import cycle succeeded",
			"record_id", record.ID,
			"source", record.Source,
			"imported", written,
		)
		return d.store.UpdateLastRun(ctx, record.ID, finishedAt, imports.StatusSuccess,
			fmt.Sprintf("Imported %d items.", written))

	case NoNewContent:
		return d.store.UpdateLastRun(ctx, record.ID, finishedAt, imports.StatusNoNewData,
			"No new data since last check.")

	case TransientFailure:
		if err := d.store.UpdateLastRun(ctx, record.ID, finishedAt, imports.StatusTransientFailure, r.Detail); err != nil {
			return err
		}
		if r.Delay > 0 {
			// Override the natural schedule, e.g. a rate-limit wait.
			d.log.Infow("Rescheduling after transient failure",
				"record_id", record.ID,
				"source", record.Source,
				"delay", r.Delay,
			)
			return d.store.SetNextRunAt(ctx, record.ID, finishedAt.Add(r.Delay))
		}
		return nil

	case PermanentFailure:
		d.log.Warnw("Import permanently failed, disabling",
			"record_id", record.ID,
			"source", record.Source,
			"detail", r.Detail,
		)
		if err := d.store.UpdateLastRun(ctx, record.ID, finishedAt, imports.StatusPermanentFailure, r.Detail); err != nil {
			return err
		}
		return d.store.SetEnabled(ctx, record.ID, false)

	default:
		return errors.Newf("unexpected import result type %T", result)
	}
}
