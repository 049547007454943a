package importer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/recollect/recollect/errors"
	"github.com/recollect/recollect/imports"
	"github.com/recollect/recollect/oauth2"
)

// CredentialPersister is the port importers use to obtain OAuth2 access for
// one cycle. Accepting the interface keeps importers testable without a
// database.
type CredentialPersister interface {
	ExtendAndPersist(
		ctx context.Context,
		recordID string,
		current oauth2.Credentials,
		extender oauth2.Extender,
		makePartial func(oauth2.Credentials) imports.Context,
	) (oauth2.Credentials, error)
}

// CredentialManager implements the persist-before-use step for single-use
// refresh tokens.
type CredentialManager struct {
	store    *imports.Store
	leniency time.Duration
	now      func() time.Time
	log      *zap.SugaredLogger
}

var _ CredentialPersister = (*CredentialManager)(nil)

// NewCredentialManager creates a manager over the recurring import store.
func NewCredentialManager(store *imports.Store, log *zap.SugaredLogger) *CredentialManager {
	return &CredentialManager{
		store:    store,
		leniency: oauth2.DefaultLeniency,
		now:      time.Now,
		log:      log.Named("oauth2"),
	}
}

// ExtendAndPersist returns usable credentials for one cycle. If the access
// token had to be extended, the new credentials are committed to the record's
// context, via makePartial, before this function returns: the exchange
// already killed the old refresh token, so losing the new pair would strand
// the integration until the user re-authenticates.
//
// A failed commit therefore fails the whole cycle. The new pair is gone and
// nothing downstream may run on unpersisted credentials.
func (m *CredentialManager) ExtendAndPersist(
	ctx context.Context,
	recordID string,
	current oauth2.Credentials,
	extender oauth2.Extender,
	makePartial func(oauth2.Credentials) imports.Context,
) (oauth2.Credentials, error) {
	creds, extended, err := oauth2.GetOrExtend(ctx, current, extender, m.now(), m.leniency)
	if err != nil {
		return oauth2.Credentials{}, err
	}
	if !extended {
		return creds, nil
	}

	if err := m.store.MergeContext(ctx, recordID, makePartial(creds)); err != nil {
		m.log.Errorw("Failed to persist rotated oauth2 credentials; new refresh token is lost",
			"record_id", recordID,
			"error", err,
		)
		return oauth2.Credentials{}, errors.Wrap(err, "persist rotated credentials")
	}

	m.log.Infow("Rotated oauth2 credentials", "record_id", recordID)
	return creds, nil
}
