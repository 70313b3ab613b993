package gallery

import (
	"image"
	"math"
	"reflect"
	"testing"

	"github.com/google/uuid"

	"github.com/your-org/attend/internal/vision"
)

// scriptedEngine returns fixed detections regardless of the frame.
type scriptedEngine struct {
	boxes []image.Rectangle
	sigs  []vision.Signature
}

func (s *scriptedEngine) DetectFaces(img image.Image) ([]image.Rectangle, error) {
	return s.boxes, nil
}

func (s *scriptedEngine) EncodeFaces(img image.Image, boxes []image.Rectangle) ([]vision.Signature, error) {
	return s.sigs, nil
}

func testFrame() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 32, 32))
}

func TestMatchFrameEmptyGalleryAllUnknown(t *testing.T) {
	engine := &scriptedEngine{
		boxes: []image.Rectangle{image.Rect(0, 0, 10, 10), image.Rect(10, 10, 20, 20)},
		sigs:  []vision.Signature{{1, 0}, {0, 1}},
	}

	results, err := MatchFrame(testFrame(), &Gallery{}, engine, 0.4)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	for i, res := range results {
		if res.Known {
			t.Errorf("result %d matched %s against an empty gallery", i, res.UserID)
		}
		if !math.IsInf(res.Distance, 1) {
			t.Errorf("result %d distance = %v, want +Inf (no comparison done)", i, res.Distance)
		}
	}
}

func TestMatchFrameThresholdOperatingPoint(t *testing.T) {
	u42 := uuid.New()
	// Query at Euclidean distance 0.1 from the gallery signature.
	g := &Gallery{Entries: []Entry{{UserID: u42, Signature: vision.Signature{1, 0}}}}
	engine := &scriptedEngine{
		boxes: []image.Rectangle{image.Rect(0, 0, 10, 10)},
		sigs:  []vision.Signature{{0.9, 0}},
	}

	tests := []struct {
		name      string
		threshold float64
		wantKnown bool
	}{
		{"above threshold", 0.4, true},
		{"below threshold", 0.05, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := MatchFrame(testFrame(), g, engine, tt.threshold)
			if err != nil {
				t.Fatalf("match: %v", err)
			}
			if len(results) != 1 {
				t.Fatalf("results = %d, want 1", len(results))
			}
			res := results[0]
			if res.Known != tt.wantKnown {
				t.Fatalf("known = %v, want %v (distance %v)", res.Known, tt.wantKnown, res.Distance)
			}
			if tt.wantKnown && res.UserID != u42 {
				t.Errorf("matched %s, want %s", res.UserID, u42)
			}
		})
	}
}

func TestMatchFramePicksNearestSignature(t *testing.T) {
	near, far := uuid.New(), uuid.New()
	g := &Gallery{Entries: []Entry{
		{UserID: far, Signature: vision.Signature{0, 1}},
		{UserID: near, Signature: vision.Signature{1, 0}},
	}}
	engine := &scriptedEngine{
		boxes: []image.Rectangle{image.Rect(0, 0, 10, 10)},
		sigs:  []vision.Signature{{0.95, 0}},
	}

	results, err := MatchFrame(testFrame(), g, engine, 0.4)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !results[0].Known || results[0].UserID != near {
		t.Errorf("matched %v known=%v, want nearest user %s", results[0].UserID, results[0].Known, near)
	}
}

func TestMatchFrameTieBreakLowestIndex(t *testing.T) {
	first, second := uuid.New(), uuid.New()
	sig := vision.Signature{1, 0}
	g := &Gallery{Entries: []Entry{
		{UserID: first, Signature: sig},
		{UserID: second, Signature: sig},
	}}
	engine := &scriptedEngine{
		boxes: []image.Rectangle{image.Rect(0, 0, 10, 10)},
		sigs:  []vision.Signature{sig},
	}

	results, err := MatchFrame(testFrame(), g, engine, 0.4)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if results[0].UserID != first {
		t.Errorf("tie matched %s, want the earliest gallery entry %s", results[0].UserID, first)
	}
}

func TestMatchFrameIsPure(t *testing.T) {
	g := &Gallery{Entries: []Entry{{UserID: uuid.New(), Signature: vision.Signature{1, 0}}}}
	engine := &scriptedEngine{
		boxes: []image.Rectangle{image.Rect(2, 2, 12, 12)},
		sigs:  []vision.Signature{{0.9, 0.1}},
	}
	frame := testFrame()

	a, err := MatchFrame(frame, g, engine, 0.4)
	if err != nil {
		t.Fatalf("first match: %v", err)
	}
	b, err := MatchFrame(frame, g, engine, 0.4)
	if err != nil {
		t.Fatalf("second match: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Errorf("same frame and gallery produced different results:\n%+v\n%+v", a, b)
	}
}

func TestMatchFrameThresholdMonotonicity(t *testing.T) {
	g := &Gallery{Entries: []Entry{
		{UserID: uuid.New(), Signature: vision.Signature{1, 0}},
		{UserID: uuid.New(), Signature: vision.Signature{0, 1}},
	}}
	engine := &scriptedEngine{
		boxes: []image.Rectangle{image.Rect(0, 0, 10, 10), image.Rect(10, 0, 20, 10)},
		sigs:  []vision.Signature{{0.9, 0}, {0.2, 0.6}},
	}
	frame := testFrame()

	thresholds := []float64{0.9, 0.5, 0.3, 0.1, 0.01}
	prev := -1
	for _, th := range thresholds {
		results, err := MatchFrame(frame, g, engine, th)
		if err != nil {
			t.Fatalf("match at %v: %v", th, err)
		}
		known := 0
		for _, res := range results {
			if res.Known {
				known++
			}
		}
		if prev >= 0 && known > prev {
			t.Errorf("lowering threshold to %v increased matches (%d > %d)", th, known, prev)
		}
		prev = known
	}
}

func TestMatchFrameNoFaces(t *testing.T) {
	engine := &scriptedEngine{}
	results, err := MatchFrame(testFrame(), &Gallery{}, engine, 0.4)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if results != nil {
		t.Errorf("results = %v, want nil for a frame with no faces", results)
	}
}
