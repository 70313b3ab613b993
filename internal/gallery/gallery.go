// Package gallery builds and caches per-organization face signature
// galleries from enrollment images, and matches detected faces against them.
package gallery

import (
	"time"

	"github.com/google/uuid"

	"github.com/your-org/attend/internal/vision"
)

// Entry pairs one face signature with the user it was enrolled for. A user
// appears once per signature, so multiple entries may share a user.
type Entry struct {
	Signature vision.Signature
	UserID    uuid.UUID
}

// Gallery is an immutable snapshot of an organization's enrolled face
// signatures. A rebuild produces a fresh Gallery; existing snapshots are
// never mutated, so readers can hold one across a whole stream session.
type Gallery struct {
	OrganizationID uuid.UUID
	Entries        []Entry
	BuiltAt        time.Time
}

// Empty reports whether the gallery has no signatures to match against.
func (g *Gallery) Empty() bool {
	return g == nil || len(g.Entries) == 0
}

// Users returns the number of distinct users represented in the gallery.
func (g *Gallery) Users() int {
	if g == nil {
		return 0
	}
	seen := make(map[uuid.UUID]struct{}, len(g.Entries))
	for _, e := range g.Entries {
		seen[e.UserID] = struct{}{}
	}
	return len(seen)
}
