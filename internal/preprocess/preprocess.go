// Package preprocess turns uploaded image bytes into the fixed-size tensor
// the classifier expects.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrDecode is returned when the bytes are not a decodable image.
var ErrDecode = errors.New("image could not be decoded")

// Layout is the memory order of the produced tensor.
type Layout string

const (
	// NHWC is [1, H, W, 3], the Keras default.
	NHWC Layout = "nhwc"
	// NCHW is [1, 3, H, W], the PyTorch/ONNX convention.
	NCHW Layout = "nchw"
)

const (
	channels    = 3
	DefaultSize = 128
)

// Options configures the preprocessor.
type Options struct {
	Size    int
	Layout  Layout
	Rescale float32
	// Interpolation is one of nearest, bilinear, bicubic, lanczos3.
	Interpolation string
}

// Tensor is a dense float32 tensor with batch dimension 1.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// Preprocessor decodes and resizes images. It holds no mutable state and is
// safe for concurrent use.
type Preprocessor struct {
	size    int
	layout  Layout
	rescale float32
	interp  resize.InterpolationFunction
}

// New returns a preprocessor, filling zero options with defaults.
func New(opts Options) *Preprocessor {
	p := &Preprocessor{
		size:    opts.Size,
		layout:  opts.Layout,
		rescale: opts.Rescale,
		interp:  ParseInterpolation(opts.Interpolation),
	}
	if p.size <= 0 {
		p.size = DefaultSize
	}
	if p.layout != NCHW {
		p.layout = NHWC
	}
	if p.rescale == 0 {
		p.rescale = 1
	}
	return p
}

// Size returns the spatial edge length of produced tensors.
func (p *Preprocessor) Size() int {
	return p.size
}

// Shape returns the tensor shape produced by Process.
func (p *Preprocessor) Shape() []int64 {
	n := int64(p.size)
	if p.layout == NCHW {
		return []int64{1, channels, n, n}
	}
	return []int64{1, n, n, channels}
}

// ParseInterpolation maps a name to a resize interpolation, defaulting to bilinear.
func ParseInterpolation(name string) resize.InterpolationFunction {
	switch strings.ToLower(name) {
	case "nearest", "nearestneighbor":
		return resize.NearestNeighbor
	case "bicubic":
		return resize.Bicubic
	case "lanczos", "lanczos3":
		return resize.Lanczos3
	default:
		return resize.Bilinear
	}
}

// Process decodes data, converts it to RGB and resizes it into a tensor.
func (p *Preprocessor) Process(data []byte) (Tensor, error) {
	if len(data) == 0 {
		return Tensor{}, fmt.Errorf("%w: empty input", ErrDecode)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Tensor{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return Tensor{}, fmt.Errorf("%w: zero-sized image", ErrDecode)
	}

	resized := resize.Resize(uint(p.size), uint(p.size), toRGB(img), p.interp)
	return p.tensorFrom(resized), nil
}

// toRGB drops alpha without compositing, so every pixel carries its
// straight (non-premultiplied) color at full opacity.
func toRGB(img image.Image) *image.RGBA {
	bounds := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			i := dst.PixOffset(x-bounds.Min.X, y-bounds.Min.Y)
			dst.Pix[i] = c.R
			dst.Pix[i+1] = c.G
			dst.Pix[i+2] = c.B
			dst.Pix[i+3] = 0xff
		}
	}
	return dst
}

func (p *Preprocessor) tensorFrom(img image.Image) Tensor {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height
	data := make([]float32, channels*plane)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			// RGBA returns 16-bit channels; alpha is opaque so these are 8-bit values scaled by 257.
			rv := float32(r>>8) * p.rescale
			gv := float32(g>>8) * p.rescale
			bv := float32(b>>8) * p.rescale

			pixel := y*width + x
			if p.layout == NCHW {
				data[pixel] = rv
				data[plane+pixel] = gv
				data[2*plane+pixel] = bv
			} else {
				data[pixel*channels] = rv
				data[pixel*channels+1] = gv
				data[pixel*channels+2] = bv
			}
		}
	}

	return Tensor{Shape: p.Shape(), Data: data}
}
