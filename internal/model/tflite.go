package model

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/rs/zerolog"
	tflite "github.com/tphakala/go-tflite"

	"github.com/catdog-vision/catdog/internal/preprocess"
)

// tfliteScorer wraps a TensorFlow Lite interpreter. The interpreter owns a
// single set of tensors, so Score serialises callers.
type tfliteScorer struct {
	mu          sync.Mutex
	model       *tflite.Model
	options     *tflite.InterpreterOptions
	interpreter *tflite.Interpreter
	dogIndex    int
}

var _ Scorer = (*tfliteScorer)(nil)

func openTFLite(path string, meta Metadata, logger zerolog.Logger) (Scorer, error) {
	modelData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read TensorFlow Lite model: %w", err)
	}

	model := tflite.NewModel(modelData)
	if model == nil {
		return nil, fmt.Errorf("cannot load TensorFlow Lite model %s", path)
	}

	threads := meta.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	options := tflite.NewInterpreterOptions()
	options.SetNumThread(threads)
	options.SetErrorReporter(func(msg string, _ any) {
		logger.Error().Str("message", msg).Msg("TFLite error")
	}, nil)

	interpreter := tflite.NewInterpreter(model, options)
	if interpreter == nil {
		options.Delete()
		model.Delete()
		return nil, fmt.Errorf("cannot create interpreter")
	}
	if status := interpreter.AllocateTensors(); status != tflite.OK {
		interpreter.Delete()
		options.Delete()
		model.Delete()
		return nil, fmt.Errorf("tensor allocation failed")
	}

	return &tfliteScorer{
		model:       model,
		options:     options,
		interpreter: interpreter,
		dogIndex:    meta.DogIndex(),
	}, nil
}

func (s *tfliteScorer) Score(ctx context.Context, t preprocess.Tensor) (float32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.interpreter == nil {
		return 0, fmt.Errorf("interpreter is closed")
	}

	inputTensor := s.interpreter.GetInputTensor(0)
	if inputTensor == nil {
		return 0, fmt.Errorf("cannot get input tensor")
	}
	input := inputTensor.Float32s()
	if len(input) != len(t.Data) {
		return 0, fmt.Errorf("input size mismatch: model expects %d values, got %d", len(input), len(t.Data))
	}
	copy(input, t.Data)

	if status := s.interpreter.Invoke(); status != tflite.OK {
		return 0, fmt.Errorf("tensor invoke failed: %v", status)
	}

	outputTensor := s.interpreter.GetOutputTensor(0)
	if outputTensor == nil {
		return 0, fmt.Errorf("cannot get output tensor")
	}
	return scoreFromOutput(outputTensor.Float32s(), s.dogIndex)
}

func (s *tfliteScorer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.interpreter != nil {
		s.interpreter.Delete()
		s.interpreter = nil
	}
	if s.options != nil {
		s.options.Delete()
		s.options = nil
	}
	if s.model != nil {
		s.model.Delete()
		s.model = nil
	}
	return nil
}
