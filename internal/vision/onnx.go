package vision

import (
	"fmt"
	"image"
	"log/slog"
	"math"
	"path/filepath"
	"sort"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	detInputSide = 640
	embInputSide = 112
	embDim       = 512

	nmsIOUThreshold = 0.4
	anchorsPerCell  = 2
)

// detection strides for the RetinaFace det_10g model
var detStrides = []int{8, 16, 32}

// ONNXEngine implements Engine with a RetinaFace detector and an ArcFace
// embedder. The underlying sessions reuse fixed tensors, so calls are
// serialized with a mutex; one engine is shared by the whole process.
type ONNXEngine struct {
	mu sync.Mutex

	detSession *ort.AdvancedSession
	detInput   *ort.Tensor[float32]
	detOutputs []*ort.Tensor[float32]
	detThresh  float32

	embSession *ort.AdvancedSession
	embInput   *ort.Tensor[float32]
	embOutput  *ort.Tensor[float32]
}

// NewONNXEngine loads det_10g.onnx and w600k_r50.onnx from modelsDir.
func NewONNXEngine(modelsDir string, detectionThreshold float64) (*ONNXEngine, error) {
	e := &ONNXEngine{detThresh: float32(detectionThreshold)}

	if err := e.initDetector(filepath.Join(modelsDir, "det_10g.onnx")); err != nil {
		return nil, fmt.Errorf("load detector: %w", err)
	}
	if err := e.initEmbedder(filepath.Join(modelsDir, "w600k_r50.onnx")); err != nil {
		e.destroyDetector()
		return nil, fmt.Errorf("load embedder: %w", err)
	}

	slog.Info("vision engine ready", "models_dir", modelsDir)
	return e, nil
}

func (e *ONNXEngine) initDetector(modelPath string) error {
	inputShape := ort.NewShape(1, 3, detInputSide, detInputSide)
	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return fmt.Errorf("create input tensor: %w", err)
	}

	// det_10g output layout per stride (no batch dimension):
	// scores [N,1], bboxes [N,4], landmarks [N,10] where
	// N = (640/stride)^2 * anchorsPerCell.
	type outputSpec struct {
		name  string
		shape ort.Shape
	}
	outputs := []outputSpec{
		{"448", ort.NewShape(12800, 1)},
		{"471", ort.NewShape(3200, 1)},
		{"494", ort.NewShape(800, 1)},
		{"451", ort.NewShape(12800, 4)},
		{"474", ort.NewShape(3200, 4)},
		{"497", ort.NewShape(800, 4)},
		{"454", ort.NewShape(12800, 10)},
		{"477", ort.NewShape(3200, 10)},
		{"500", ort.NewShape(800, 10)},
	}

	outputNames := make([]string, len(outputs))
	outputTensors := make([]*ort.Tensor[float32], len(outputs))
	outputValues := make([]ort.Value, len(outputs))
	for i, spec := range outputs {
		outputNames[i] = spec.name
		t, err := ort.NewEmptyTensor[float32](spec.shape)
		if err != nil {
			for j := 0; j < i; j++ {
				outputTensors[j].Destroy()
			}
			inputTensor.Destroy()
			return fmt.Errorf("create output tensor %s: %w", spec.name, err)
		}
		outputTensors[i] = t
		outputValues[i] = t
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input.1"}, outputNames,
		[]ort.Value{inputTensor}, outputValues, nil)
	if err != nil {
		inputTensor.Destroy()
		for _, t := range outputTensors {
			t.Destroy()
		}
		return fmt.Errorf("create detector session: %w", err)
	}

	e.detSession = session
	e.detInput = inputTensor
	e.detOutputs = outputTensors
	return nil
}

func (e *ONNXEngine) initEmbedder(modelPath string) error {
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, embInputSide, embInputSide))
	if err != nil {
		return fmt.Errorf("create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, embDim))
	if err != nil {
		inputTensor.Destroy()
		return fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input.1"}, []string{"683"},
		[]ort.Value{inputTensor}, []ort.Value{outputTensor}, nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return fmt.Errorf("create embedder session: %w", err)
	}

	e.embSession = session
	e.embInput = inputTensor
	e.embOutput = outputTensor
	return nil
}

// DetectFaces implements Engine.
func (e *ONNXEngine) DetectFaces(img image.Image) ([]image.Rectangle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	bounds := img.Bounds()
	origW, origH := bounds.Dx(), bounds.Dy()

	input := toCHW(resizeRGBA(img, detInputSide, detInputSide),
		[3]float32{127.5, 127.5, 127.5}, [3]float32{128, 128, 128})
	copy(e.detInput.GetData(), input)

	if err := e.detSession.Run(); err != nil {
		return nil, fmt.Errorf("run detection: %w", err)
	}

	cands := e.decodeDetections(origW, origH)
	cands = suppress(cands, nmsIOUThreshold)

	boxes := make([]image.Rectangle, len(cands))
	for i, c := range cands {
		boxes[i] = c.rect()
	}
	return boxes, nil
}

// EncodeFaces implements Engine.
func (e *ONNXEngine) EncodeFaces(img image.Image, boxes []image.Rectangle) ([]Signature, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sigs := make([]Signature, len(boxes))
	for i, box := range boxes {
		crop := cropPadded(img, box)
		if crop == nil {
			continue
		}

		input := toCHW(resizeRGBA(crop, embInputSide, embInputSide),
			[3]float32{127.5, 127.5, 127.5}, [3]float32{127.5, 127.5, 127.5})
		copy(e.embInput.GetData(), input)

		if err := e.embSession.Run(); err != nil {
			return nil, fmt.Errorf("run embedding: %w", err)
		}

		sig := make(Signature, embDim)
		copy(sig, e.embOutput.GetData())
		l2Normalize(sig)
		sigs[i] = sig
	}
	return sigs, nil
}

func (e *ONNXEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destroyDetector()
	if e.embSession != nil {
		e.embSession.Destroy()
	}
	if e.embInput != nil {
		e.embInput.Destroy()
	}
	if e.embOutput != nil {
		e.embOutput.Destroy()
	}
}

func (e *ONNXEngine) destroyDetector() {
	if e.detSession != nil {
		e.detSession.Destroy()
	}
	if e.detInput != nil {
		e.detInput.Destroy()
	}
	for _, t := range e.detOutputs {
		if t != nil {
			t.Destroy()
		}
	}
}

type candidate struct {
	x1, y1, x2, y2 float32
	score          float32
}

func (c candidate) rect() image.Rectangle {
	return image.Rect(int(c.x1), int(c.y1), int(c.x2), int(c.y2))
}

// decodeDetections walks the anchor grid at each stride and decodes boxes
// that clear the score threshold back into original-image coordinates.
func (e *ONNXEngine) decodeDetections(origW, origH int) []candidate {
	var cands []candidate

	scaleW := float32(origW) / float32(detInputSide)
	scaleH := float32(origH) / float32(detInputSide)

	for si, stride := range detStrides {
		scores := e.detOutputs[si].GetData()
		bboxes := e.detOutputs[si+3].GetData()

		cells := detInputSide / stride
		st := float32(stride)

		idx := 0
		for cy := 0; cy < cells; cy++ {
			for cx := 0; cx < cells; cx++ {
				for a := 0; a < anchorsPerCell; a++ {
					score := scores[idx]
					if score >= e.detThresh {
						ax := float32(cx) * st
						ay := float32(cy) * st

						c := candidate{
							x1:    clamp((ax-bboxes[idx*4+0]*st)*scaleW, 0, float32(origW)),
							y1:    clamp((ay-bboxes[idx*4+1]*st)*scaleH, 0, float32(origH)),
							x2:    clamp((ax+bboxes[idx*4+2]*st)*scaleW, 0, float32(origW)),
							y2:    clamp((ay+bboxes[idx*4+3]*st)*scaleH, 0, float32(origH)),
							score: score,
						}
						cands = append(cands, c)
					}
					idx++
				}
			}
		}
	}
	return cands
}

// suppress performs non-maximum suppression, keeping the highest-scoring box
// of each overlapping cluster.
func suppress(cands []candidate, iouThreshold float32) []candidate {
	if len(cands) == 0 {
		return cands
	}

	sort.Slice(cands, func(i, j int) bool { return cands[i].score > cands[j].score })

	keep := make([]bool, len(cands))
	for i := range keep {
		keep[i] = true
	}
	for i := 0; i < len(cands); i++ {
		if !keep[i] {
			continue
		}
		for j := i + 1; j < len(cands); j++ {
			if keep[j] && iou(cands[i], cands[j]) > iouThreshold {
				keep[j] = false
			}
		}
	}

	var out []candidate
	for i, c := range cands {
		if keep[i] {
			out = append(out, c)
		}
	}
	return out
}

func iou(a, b candidate) float32 {
	x1 := maxF(a.x1, b.x1)
	y1 := maxF(a.y1, b.y1)
	x2 := minF(a.x2, b.x2)
	y2 := minF(a.y2, b.y2)

	inter := maxF(0, x2-x1) * maxF(0, y2-y1)
	union := (a.x2-a.x1)*(a.y2-a.y1) + (b.x2-b.x1)*(b.y2-b.y1) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func l2Normalize(v Signature) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := float32(math.Sqrt(sum))
	if norm > 0 {
		for i := range v {
			v[i] /= norm
		}
	}
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxF(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

func minF(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}
