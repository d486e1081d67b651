// Package asset holds the persisted image asset model and the persistence
// interfaces the pipeline drives.
package asset

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("asset not found")
	ErrOwnerNotFound = errors.New("owner not found")
)

// Role is the semantic purpose of an image.
type Role string

const (
	RoleProject         Role = "PROJECT"
	RoleProjectCarousel Role = "PROJECT_CAROUSEL"
	RoleArticle         Role = "ARTICLE"
	RoleProfile         Role = "PROFILE"
)

var rolePrefixes = map[Role]string{
	RoleProject:         "project",
	RoleProjectCarousel: "carousel",
	RoleArticle:         "article",
	RoleProfile:         "profile",
}

// ParseRole accepts the canonical upper-case name, case-insensitively.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := rolePrefixes[r]; !ok {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Prefix is the filename prefix used for files generated for the role.
func (r Role) Prefix() string {
	return rolePrefixes[r]
}

func (r Role) String() string { return string(r) }

type Status string

const (
	StatusPending Status = "PENDING"
	StatusReady   Status = "READY"
	StatusFailed  Status = "FAILED"
)

// ImageAsset tracks one uploaded image and the exact files generated for it.
// ThumbnailURL and ThumbnailPath are empty for roles without a thumbnail.
type ImageAsset struct {
	ID               string    `json:"id"`
	OwnerID          string    `json:"owner_id"`
	Role             Role      `json:"role"`
	Status           Status    `json:"status"`
	OptimizedURL     string    `json:"optimized_url,omitempty"`
	ThumbnailURL     string    `json:"thumbnail_url,omitempty"`
	OptimizedPath    string    `json:"-"`
	ThumbnailPath    string    `json:"-"`
	OriginalPath     string    `json:"-"`
	OriginalRetained bool      `json:"original_retained"`
	Error            string    `json:"error,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// StatusUpdate is what the worker writes back when it settles an asset.
type StatusUpdate struct {
	Status           Status
	OptimizedURL     string
	ThumbnailURL     string
	OriginalRetained bool
	Error            string
}

// ListFilter narrows ListAssets. Empty fields match everything.
type ListFilter struct {
	Status       Status
	RetainedOnly bool
	OwnerID      string
}

func (f ListFilter) matches(a *ImageAsset) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.RetainedOnly && !a.OriginalRetained {
		return false
	}
	if f.OwnerID != "" && a.OwnerID != f.OwnerID {
		return false
	}
	return true
}

// Store is the persistence layer the pipeline consumes. Implementations must
// apply per-owner additions and removals atomically.
type Store interface {
	// CreateAsset persists a new asset, assigning ID and timestamps when unset.
	CreateAsset(ctx context.Context, a *ImageAsset) (string, error)
	GetAsset(ctx context.Context, id string) (*ImageAsset, error)
	UpdateAssetStatus(ctx context.Context, id string, u StatusUpdate) error
	ListAssets(ctx context.Context, f ListFilter) ([]ImageAsset, error)
	DeleteAsset(ctx context.Context, id string) error
}

// OwnerFinder resolves the owning entity (project, article, profile).
// FindOwner returns ErrOwnerNotFound when the owner does not exist.
type OwnerFinder interface {
	FindOwner(ctx context.Context, ownerID string) error
}

// OwnerFinderFunc adapts a function to OwnerFinder.
type OwnerFinderFunc func(ctx context.Context, ownerID string) error

func (f OwnerFinderFunc) FindOwner(ctx context.Context, ownerID string) error {
	return f(ctx, ownerID)
}

// AnyOwner accepts every non-empty owner id. Used when the owning entities
// live in a service this process cannot query.
var AnyOwner = OwnerFinderFunc(func(_ context.Context, ownerID string) error {
	if strings.TrimSpace(ownerID) == "" {
		return ErrOwnerNotFound
	}
	return nil
})
