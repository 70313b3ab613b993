package gallery

import (
	"fmt"
	"image"
	"math"

	"github.com/google/uuid"

	"github.com/your-org/attend/internal/vision"
)

// MatchResult describes one detected face after matching against a gallery.
type MatchResult struct {
	Box      image.Rectangle
	UserID   uuid.UUID
	Known    bool
	Distance float64
}

// MatchFrame detects every face in frame, encodes it, and matches it against
// the gallery. A face matches when its nearest gallery signature is closer
// than threshold; on an exact distance tie the earliest gallery entry wins.
// An empty gallery marks every face unknown without computing distances.
// MatchFrame has no side effects; the same frame and gallery always produce
// the same results.
func MatchFrame(frame image.Image, g *Gallery, engine vision.Engine, threshold float64) ([]MatchResult, error) {
	boxes, err := engine.DetectFaces(frame)
	if err != nil {
		return nil, fmt.Errorf("detect faces: %w", err)
	}
	if len(boxes) == 0 {
		return nil, nil
	}

	sigs, err := engine.EncodeFaces(frame, boxes)
	if err != nil {
		return nil, fmt.Errorf("encode faces: %w", err)
	}

	results := make([]MatchResult, 0, len(boxes))
	for i, box := range boxes {
		res := MatchResult{Box: box, Distance: math.Inf(1)}

		if i < len(sigs) && sigs[i] != nil && !g.Empty() {
			best := -1
			bestDist := math.Inf(1)
			for j, entry := range g.Entries {
				d := vision.Distance(sigs[i], entry.Signature)
				if d < bestDist {
					bestDist = d
					best = j
				}
			}
			res.Distance = bestDist
			if best >= 0 && bestDist < threshold {
				res.UserID = g.Entries[best].UserID
				res.Known = true
			}
		}

		results = append(results, res)
	}
	return results, nil
}
