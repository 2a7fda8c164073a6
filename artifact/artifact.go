package artifact

import (
	"strings"
	"time"
)

// ArtifactStatus is the metadata lifecycle state of a stored bundle.
// Soft delete (StatusDeleted) always precedes blob removal; the record
// itself is hard-deleted only after the blob delete has been attempted.
type ArtifactStatus string

const (
	StatusActive   ArtifactStatus = "active"
	StatusArchived ArtifactStatus = "archived"
	StatusDeleted  ArtifactStatus = "deleted"
)

// Tier is the storage tier for a bundle, resolved exactly once at the
// service boundary and threaded through unchanged.
type Tier int

const (
	// TierAuto routes by field presence: a project id selects the
	// permanent tier, otherwise the cache tier.
	TierAuto Tier = iota
	TierCache
	TierPermanent
)

func (t Tier) String() string {
	switch t {
	case TierCache:
		return "cache"
	case TierPermanent:
		return "permanent"
	default:
		return "auto"
	}
}

// ParseTier maps the external storageType value to a Tier.
// Empty and "auto" both mean TierAuto.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return TierAuto, nil
	case "cache", "temporary":
		return TierCache, nil
	case "permanent", "project":
		return TierPermanent, nil
	default:
		return TierAuto, ErrValidation
	}
}

// Artifact is a stored generated bundle: one blob in the backend plus
// this metadata record. ProjectID and UserID are optional; cache-tier
// artifacts never carry a project id.
type Artifact struct {
	ID               string            `bson:"_id" json:"id"`
	ProjectID        string            `bson:"project_id,omitempty" json:"project_id,omitempty"`
	UserID           string            `bson:"user_id,omitempty" json:"user_id,omitempty"`
	FileName         string            `bson:"file_name" json:"file_name"`
	Size             int64             `bson:"size" json:"size"`
	BlobURL          string            `bson:"blob_url" json:"blob_url"`
	BlobID           string            `bson:"blob_id" json:"blob_id"`
	Status           ArtifactStatus    `bson:"status" json:"status"`
	ExpiresAt        *time.Time        `bson:"expires_at,omitempty" json:"expires_at,omitempty"`
	DownloadCount    int64             `bson:"download_count" json:"download_count"`
	LastDownloadedAt *time.Time        `bson:"last_downloaded_at,omitempty" json:"last_downloaded_at,omitempty"`
	Tags             []string          `bson:"tags,omitempty" json:"tags,omitempty"`
	Metadata         map[string]string `bson:"metadata,omitempty" json:"metadata,omitempty"`
	IsPublic         bool              `bson:"is_public" json:"is_public"`
	CreatedAt        time.Time         `bson:"created_at" json:"created_at"`
}

// ExpiredAt reports whether the artifact's expiration has passed at
// the given instant. Artifacts without an expiration never expire.
func (a *Artifact) ExpiredAt(now time.Time) bool {
	return a.ExpiresAt != nil && !now.Before(*a.ExpiresAt)
}

// Version is an immutable snapshot of a project's generated bundle.
// Numbers are unique and monotonically increasing per project; at most
// one version per project has IsCurrent set.
type Version struct {
	Number        int       `bson:"number" json:"number"`
	Note          string    `bson:"note,omitempty" json:"note,omitempty"`
	BlobURL       string    `bson:"blob_url" json:"blob_url"`
	BlobID        string    `bson:"blob_id" json:"blob_id"`
	Size          int64     `bson:"size" json:"size"`
	IsCurrent     bool      `bson:"is_current" json:"is_current"`
	DownloadCount int64     `bson:"download_count" json:"download_count"`
	GeneratedAt   time.Time `bson:"generated_at" json:"generated_at"`
}

// ProjectDocument is the per-project version list. It is read and
// replaced as a unit; the Token field is the CAS guard against
// concurrent writers (see ProjectStore.UpsertIfMatch).
type ProjectDocument struct {
	ProjectID string    `bson:"_id" json:"project_id"`
	UserID    string    `bson:"user_id,omitempty" json:"user_id,omitempty"`
	Versions  []Version `bson:"versions" json:"versions"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`

	// Token is opaque to callers; it changes on every successful upsert.
	Token string `bson:"token" json:"-"`
}

// CurrentVersion returns the version with IsCurrent set, or nil.
func (d *ProjectDocument) CurrentVersion() *Version {
	for i := range d.Versions {
		if d.Versions[i].IsCurrent {
			return &d.Versions[i]
		}
	}
	return nil
}

// FindVersion returns the version with the given number, or nil.
func (d *ProjectDocument) FindVersion(number int) *Version {
	for i := range d.Versions {
		if d.Versions[i].Number == number {
			return &d.Versions[i]
		}
	}
	return nil
}

// TotalSize sums the blob sizes of all versions.
func (d *ProjectDocument) TotalSize() int64 {
	var total int64
	for i := range d.Versions {
		total += d.Versions[i].Size
	}
	return total
}

func (d *ProjectDocument) maxVersionNumber() int {
	max := 0
	for i := range d.Versions {
		if d.Versions[i].Number > max {
			max = d.Versions[i].Number
		}
	}
	return max
}

// Orphan marks a blob whose metadata-side delete succeeded while the
// blob-side delete failed. Maintenance reconciles these instead of the
// failure being silently swallowed.
type Orphan struct {
	BlobID     string    `bson:"_id" json:"blob_id"`
	ArtifactID string    `bson:"artifact_id,omitempty" json:"artifact_id,omitempty"`
	ProjectID  string    `bson:"project_id,omitempty" json:"project_id,omitempty"`
	Reason     string    `bson:"reason" json:"reason"`
	RecordedAt time.Time `bson:"recorded_at" json:"recorded_at"`
}
