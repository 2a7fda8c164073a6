package artifact

import "context"

// ProjectStore is the version-list side of the metadata repository.
// Each project's versions live in a single document that is read and
// replaced as a unit; UpsertIfMatch provides compare-and-swap on the
// document token so two concurrent writers cannot silently overwrite
// each other's version lists.
type ProjectStore interface {
	// Get returns the project document. Returns ErrNotFound if absent.
	Get(ctx context.Context, projectID string) (*ProjectDocument, error)

	// UpsertIfMatch publishes a new document state with CAS protection.
	// An empty expectedToken means "create if absent"; a stale token
	// yields ErrVersionConflict. Returns the new token.
	UpsertIfMatch(ctx context.Context, doc *ProjectDocument, expectedToken string) (string, error)

	// Delete removes the document. Deleting an absent project is not
	// an error.
	Delete(ctx context.Context, projectID string) error

	// ListByUser returns every project document owned by the user.
	ListByUser(ctx context.Context, userID string) ([]ProjectDocument, error)

	// ListAll returns every project document. Maintenance uses it for
	// system-wide pruning and integrity checks.
	ListAll(ctx context.Context) ([]ProjectDocument, error)
}
