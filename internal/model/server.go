package model

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/catdog-vision/catdog/internal/preprocess"
)

var ortInit sync.Mutex

var _ Scorer = (*onnxScorer)(nil)

// onnxScorer runs an ONNX model through a DynamicAdvancedSession. Tensors are
// allocated per call, so concurrent Score calls do not share buffers.
type onnxScorer struct {
	session     *ort.DynamicAdvancedSession
	outputShape ort.Shape
	dogIndex    int
}

func openONNX(path, libraryPath string, meta Metadata) (Scorer, error) {
	ortInit.Lock()
	defer ortInit.Unlock()

	if !ort.IsInitialized() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	if meta.Threads > 0 {
		if err := options.SetIntraOpNumThreads(meta.Threads); err != nil {
			return nil, fmt.Errorf("failed to set thread count: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(path,
		[]string{meta.InputName}, []string{meta.OutputName}, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &onnxScorer{
		session:     session,
		outputShape: ort.NewShape(meta.OutputShape...),
		dogIndex:    meta.DogIndex(),
	}, nil
}

func (s *onnxScorer) Score(ctx context.Context, t preprocess.Tensor) (float32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(t.Shape...), t.Data)
	if err != nil {
		return 0, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](s.outputShape)
	if err != nil {
		return 0, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := s.session.Run([]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor}); err != nil {
		return 0, fmt.Errorf("inference failed: %w", err)
	}

	return scoreFromOutput(outputTensor.GetData(), s.dogIndex)
}

func (s *onnxScorer) Close() error {
	if s.session != nil {
		if err := s.session.Destroy(); err != nil {
			return err
		}
		s.session = nil
	}

	ortInit.Lock()
	defer ortInit.Unlock()
	if ort.IsInitialized() {
		return ort.DestroyEnvironment()
	}
	return nil
}
