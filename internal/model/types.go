package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/catdog-vision/catdog/internal/preprocess"
)

const (
	LabelCat = "Cat"
	LabelDog = "Dog"
)

// Metadata describes a model artifact. It is read from model_metadata.json
// next to the artifact.
type Metadata struct {
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	InputName   string            `json:"input_name"`
	OutputName  string            `json:"output_name"`
	OutputShape []int64           `json:"output_shape"`
	ImageSize   int               `json:"image_size"`
	Layout      preprocess.Layout `json:"layout"`
	Rescale     float32           `json:"rescale"`
	Classes     []string          `json:"classes"`
	Threads     int               `json:"threads"`
}

// DefaultMetadata matches the Keras CNN exported for this service: 128x128
// RGB input in channels-last order with raw 0-255 values and a single
// sigmoid output where 1 means dog.
func DefaultMetadata() Metadata {
	return Metadata{
		Name:        "Cats vs Dogs Classifier",
		Version:     "1.0.0",
		InputName:   "input",
		OutputName:  "output",
		OutputShape: []int64{1, 1},
		ImageSize:   preprocess.DefaultSize,
		Layout:      preprocess.NHWC,
		Rescale:     1,
		Classes:     []string{LabelCat, LabelDog},
	}
}

// withDefaults fills zero fields from DefaultMetadata.
func (m Metadata) withDefaults() Metadata {
	d := DefaultMetadata()
	if m.Name == "" {
		m.Name = d.Name
	}
	if m.Version == "" {
		m.Version = d.Version
	}
	if m.InputName == "" {
		m.InputName = d.InputName
	}
	if m.OutputName == "" {
		m.OutputName = d.OutputName
	}
	if len(m.OutputShape) == 0 {
		m.OutputShape = d.OutputShape
	}
	if m.ImageSize <= 0 {
		m.ImageSize = d.ImageSize
	}
	if m.Layout == "" {
		m.Layout = d.Layout
	}
	if m.Rescale == 0 {
		m.Rescale = d.Rescale
	}
	if len(m.Classes) == 0 {
		m.Classes = d.Classes
	}
	return m
}

// DogIndex is the position of the dog probability in a multi-output vector.
func (m Metadata) DogIndex() int {
	for i, c := range m.Classes {
		if c == LabelDog {
			return i
		}
	}
	return len(m.Classes) - 1
}

// PreprocessOptions derives the preprocessor configuration for this model.
func (m Metadata) PreprocessOptions(interpolation string) preprocess.Options {
	return preprocess.Options{
		Size:          m.ImageSize,
		Layout:        m.Layout,
		Rescale:       m.Rescale,
		Interpolation: interpolation,
	}
}

// MetadataPath returns the conventional metadata location for a model artifact.
func MetadataPath(modelPath string) string {
	return filepath.Join(filepath.Dir(modelPath), "model_metadata.json")
}

// LoadMetadata reads metadata from path. An empty path or a missing file
// yields the defaults.
func LoadMetadata(path string) (Metadata, error) {
	if path == "" {
		return DefaultMetadata(), nil
	}

	metaFile, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultMetadata(), nil
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return metadata.withDefaults(), nil
}

// Prediction is the classifier decision for one image.
type Prediction struct {
	Label      string
	Confidence float64
	Cat        float64
	Dog        float64
	Score      float64
}

// Info describes the served model for the info endpoint.
type Info struct {
	Name      string   `json:"name"`
	Version   string   `json:"version"`
	Path      string   `json:"model_path"`
	Backend   string   `json:"backend"`
	Classes   []string `json:"classes"`
	InputSize string   `json:"input_size"`
	Loaded    bool     `json:"model_loaded"`
}
