// Package vision wraps face detection and encoding behind a small interface
// so the matching pipeline can run against fakes in tests and ONNX models in
// production.
package vision

import (
	"image"
	"math"
)

// Signature is a fixed-length face feature vector. Signatures are compared
// with Distance; they carry no other meaning.
type Signature []float32

// Engine detects faces in an image and encodes them into signatures.
type Engine interface {
	// DetectFaces returns a bounding box per face found in img.
	DetectFaces(img image.Image) ([]image.Rectangle, error)
	// EncodeFaces computes one signature per bounding box. The result is
	// index-aligned with boxes; a face that cannot be encoded yields a nil
	// signature at its index.
	EncodeFaces(img image.Image, boxes []image.Rectangle) ([]Signature, error)
}

// Distance returns the Euclidean distance between two signatures. Signatures
// of different lengths are maximally distant.
func Distance(a, b Signature) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.MaxFloat64
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
