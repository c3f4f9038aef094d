package state

import (
	"context"
	"errors"

	"github.com/PipeOpsHQ/trusted-trading/types"
)

var (
	ErrNotFound = errors.New("state: not found")
	ErrConflict = errors.New("state: conflict")
)

// AuditStore is the append-only ledger table. Ids are assigned by the store and
// strictly increase in append order.
type AuditStore interface {
	AppendAudit(ctx context.Context, rec types.AuditRecord) (types.AuditRecord, error)
	// RecentAudit returns up to limit records, newest first.
	RecentAudit(ctx context.Context, limit int) ([]types.AuditRecord, error)
	// MaxAuditID returns 0 for an empty ledger.
	MaxAuditID(ctx context.Context) (int64, error)
	// AuditAfter returns up to limit records with id > afterID in ascending order.
	AuditAfter(ctx context.Context, afterID int64, limit int) ([]types.AuditRecord, error)
}

type ConsentStore interface {
	SaveConsent(ctx context.Context, c types.Consent) error
	LoadConsent(ctx context.Context, id string) (types.Consent, error)
	// ListConsents returns up to limit consents, newest grant first.
	ListConsents(ctx context.Context, limit int) ([]types.Consent, error)
}

type Store interface {
	AuditStore
	ConsentStore
	Close() error
}

// Notifier carries "new audit record" wakeups between ledger writers and tailers.
type Notifier interface {
	Publish(ctx context.Context, id int64) error
	// Subscribe returns a channel of appended ids and a function that releases it.
	Subscribe(ctx context.Context) (<-chan int64, func(), error)
}
