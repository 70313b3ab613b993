// Package render draws match overlays onto frames and encodes them for
// streaming.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/fogleman/gg"
	"github.com/google/uuid"

	"github.com/your-org/attend/internal/gallery"
)

const labelBandHeight = 18

// Annotator draws detection boxes and name labels onto frames. Known faces
// get a green box with the user's name; unknown faces a red box labelled
// "Unknown".
type Annotator struct {
	fontPath string
	quality  int
	showRate bool
}

// NewAnnotator builds an annotator. fontPath may be empty; the built-in
// bitmap face is used then. quality is the JPEG quality for EncodeJPEG.
func NewAnnotator(fontPath string, quality int, showRate bool) *Annotator {
	return &Annotator{fontPath: fontPath, quality: quality, showRate: showRate}
}

// Annotate renders boxes and labels for every match result onto a copy of
// the frame. names maps user IDs to display names; a matched user missing
// from the map is labelled by the ID's short form.
func (a *Annotator) Annotate(frame image.Image, results []gallery.MatchResult, names map[uuid.UUID]string, rate float64) (image.Image, error) {
	dc := gg.NewContextForImage(frame)

	if a.fontPath != "" {
		if err := dc.LoadFontFace(a.fontPath, 14); err != nil {
			return nil, fmt.Errorf("load font %s: %w", a.fontPath, err)
		}
	}

	for _, res := range results {
		label := "Unknown"
		r, g, b := 0.85, 0.15, 0.15
		if res.Known {
			r, g, b = 0.1, 0.75, 0.2
			label = names[res.UserID]
			if label == "" {
				label = res.UserID.String()[:8]
			}
		}

		box := res.Box
		dc.SetRGB(r, g, b)
		dc.SetLineWidth(2)
		dc.DrawRectangle(float64(box.Min.X), float64(box.Min.Y), float64(box.Dx()), float64(box.Dy()))
		dc.Stroke()

		// Label band above the box, inside the frame if the box touches
		// the top edge.
		bandY := float64(box.Min.Y) - labelBandHeight
		if bandY < 0 {
			bandY = float64(box.Max.Y)
		}
		dc.DrawRectangle(float64(box.Min.X), bandY, float64(box.Dx()), labelBandHeight)
		dc.Fill()

		dc.SetRGB(1, 1, 1)
		dc.DrawString(label, float64(box.Min.X)+3, bandY+labelBandHeight-5)
	}

	if a.showRate && rate > 0 {
		dc.SetRGB(1, 1, 0)
		dc.DrawString(fmt.Sprintf("%.1f fps", rate), 8, 16)
	}

	return dc.Image(), nil
}

// EncodeJPEG encodes a frame at the annotator's configured quality.
func (a *Annotator) EncodeJPEG(frame image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: a.quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
