// Package preprocess - Image to network input conversion.
package preprocess

import (
	"fmt"
	"image"
	"math"

	"github.com/nfnt/resize"
	"github.com/nvr-ai/go-east/images"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"
)

// ColorMode defines the channel order of the produced tensor.
type ColorMode int

const (
	// ColorModeRGB is standard RGB color mode.
	ColorModeRGB ColorMode = iota
	// ColorModeBGR is BGR color mode (common for OpenCV models).
	ColorModeBGR
)

// ModelConfig defines preprocessing configuration for a specific model.
type ModelConfig struct {
	// Name of the model for debugging purposes.
	Name string `json:"name" yaml:"name"`
	// Stride is the value both output sides are rounded to a multiple of.
	Stride int `json:"stride" yaml:"stride"`
	// MaxSide bounds the longer output side. Larger images are downscaled
	// keeping their aspect ratio; smaller ones are not upscaled.
	MaxSide int `json:"max_side" yaml:"max_side"`
	// ColorMode defines the channel order.
	ColorMode ColorMode `json:"color_mode" yaml:"color_mode"`
	// Interpolation used when resizing; the zero value is nearest neighbour.
	Interpolation resize.InterpolationFunction `json:"-" yaml:"-"`
}

// GetEASTConfig returns the configuration of the EAST text detector.
//
// Arguments:
//   - maxSide: Upper bound of the longer network input side (e.g. 1280).
//
// Returns:
//   - A configured ModelConfig.
//
// @example
// config := GetEASTConfig(1280)
// preprocessor := NewPreprocessor(config)
func GetEASTConfig(maxSide int) *ModelConfig {
	return &ModelConfig{
		Name:          "east",
		Stride:        32,
		MaxSide:       maxSide,
		ColorMode:     ColorModeRGB,
		Interpolation: resize.Bilinear,
	}
}

// PreprocessingResult contains the preprocessed image data and metadata.
type PreprocessingResult struct {
	// Data is the CHW float32 tensor data with pixel values in [0, 255].
	Data []float32
	// Width and Height of the network input.
	Width  int
	Height int
	// OriginalWidth is the original image width before preprocessing.
	OriginalWidth int
	// OriginalHeight is the original image height before preprocessing.
	OriginalHeight int
	// ScaleX is the horizontal scaling factor applied (Width / OriginalWidth).
	ScaleX float64
	// ScaleY is the vertical scaling factor applied (Height / OriginalHeight).
	ScaleY float64
	// Shape contains the tensor shape [C, H, W].
	Shape []int
}

// Tensor returns the result as a (1, C, H, W) tensor sharing Data.
func (r *PreprocessingResult) Tensor() *tensor.Dense {
	return tensor.New(tensor.WithShape(1, r.Shape[0], r.Shape[1], r.Shape[2]), tensor.WithBacking(r.Data))
}

// Preprocessor converts images into network inputs.
type Preprocessor struct {
	config    *ModelConfig
	debugMode bool
}

// NewPreprocessor creates a new preprocessor with the given configuration.
//
// Arguments:
// - config: The model-specific preprocessing configuration.
//
// Returns:
// - A configured Preprocessor instance.
// - error if the stride or maximum side is not positive.
func NewPreprocessor(config *ModelConfig) (*Preprocessor, error) {
	if config == nil {
		return nil, errors.New("preprocess config is nil")
	}
	if config.Stride <= 0 {
		return nil, errors.Errorf("stride must be positive, got %d", config.Stride)
	}
	if config.MaxSide < config.Stride {
		return nil, errors.Errorf("max side %d is smaller than the stride %d", config.MaxSide, config.Stride)
	}
	return &Preprocessor{config: config}, nil
}

// SetDebugMode enables or disables debug logging.
//
// Arguments:
// - enabled: Whether to enable debug mode.
//
// @example
// preprocessor.SetDebugMode(true)
func (p *Preprocessor) SetDebugMode(enabled bool) {
	p.debugMode = enabled
}

// Preprocess decodes and converts an encoded image.
//
// Arguments:
// - img: The input image to preprocess.
//
// Returns:
// - PreprocessingResult containing the preprocessed tensor and metadata.
// - error if preprocessing fails.
//
// @example
//
//	img := &images.Image{
//	    Format: images.FormatJPEG,
//	    Data:   jpegData,
//	    Width:  1920,
//	    Height: 1080,
//	}
//
// result, err := preprocessor.Preprocess(img)
func (p *Preprocessor) Preprocess(img *images.Image) (*PreprocessingResult, error) {
	if err := p.validateInput(img); err != nil {
		return nil, errors.Wrap(err, "input validation failed")
	}
	if p.debugMode {
		fmt.Printf("[DEBUG] Starting preprocessing for model: %s\n", p.config.Name)
		fmt.Printf("[DEBUG] Input image: %dx%d, format: %s\n", img.Width, img.Height, img.Format)
	}

	decoded, err := images.Decode(img)
	if err != nil {
		return nil, errors.Wrap(err, "image decoding failed")
	}
	return p.PreprocessImage(decoded)
}

// PreprocessImage converts an already decoded image.
//
// Arguments:
// - img: The decoded image.
//
// Returns:
// - PreprocessingResult containing the preprocessed tensor and metadata.
// - error if the image is empty.
func (p *Preprocessor) PreprocessImage(img image.Image) (*PreprocessingResult, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, errors.New("image is empty")
	}

	originalWidth := img.Bounds().Dx()
	originalHeight := img.Bounds().Dy()
	width, height := p.TargetSize(originalWidth, originalHeight)

	resized := img
	if width != originalWidth || height != originalHeight {
		resized = resize.Resize(uint(width), uint(height), img, p.config.Interpolation)
	}

	if p.debugMode {
		fmt.Printf("[DEBUG] Resized %dx%d to %dx%d\n", originalWidth, originalHeight, width, height)
	}

	return &PreprocessingResult{
		Data:           p.imageToTensor(resized),
		Width:          width,
		Height:         height,
		OriginalWidth:  originalWidth,
		OriginalHeight: originalHeight,
		ScaleX:         float64(width) / float64(originalWidth),
		ScaleY:         float64(height) / float64(originalHeight),
		Shape:          []int{3, height, width},
	}, nil
}

// TargetSize returns the network input size for an image: the image is
// downscaled so its longer side is at most MaxSide, then each side is
// rounded to the nearest multiple of Stride, never below Stride.
//
// Arguments:
// - width, height: Original image size.
//
// Returns:
// - The network input width and height.
func (p *Preprocessor) TargetSize(width, height int) (int, int) {
	ratio := 1.0
	if longer := max(width, height); longer > p.config.MaxSide {
		ratio = float64(p.config.MaxSide) / float64(longer)
	}

	round := func(side int) int {
		s := float64(p.config.Stride)
		n := int(math.Round(float64(side)*ratio/s)) * p.config.Stride
		if n > p.config.MaxSide {
			n = p.config.MaxSide / p.config.Stride * p.config.Stride
		}
		return max(n, p.config.Stride)
	}
	return round(width), round(height)
}

// validateInput validates the input image structure.
func (p *Preprocessor) validateInput(img *images.Image) error {
	if img == nil {
		return errors.New("image is nil")
	}
	if len(img.Data) == 0 {
		return errors.New("image data is empty")
	}
	if img.Width <= 0 || img.Height <= 0 {
		return errors.Errorf("invalid image dimensions: %dx%d", img.Width, img.Height)
	}
	return nil
}

// imageToTensor converts an image to CHW float32 data with values in
// [0, 255].
func (p *Preprocessor) imageToTensor(img image.Image) []float32 {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	plane := width * height

	data := make([]float32, 3*plane)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()

			ch0, ch1, ch2 := float32(r>>8), float32(g>>8), float32(b>>8)
			if p.config.ColorMode == ColorModeBGR {
				ch0, ch2 = ch2, ch0
			}

			i := y*width + x
			data[i] = ch0
			data[plane+i] = ch1
			data[2*plane+i] = ch2
		}
	}
	return data
}

// BatchPreprocess processes multiple images in parallel.
//
// Arguments:
// - images: Slice of images to preprocess.
// - maxConcurrency: Maximum number of images to process concurrently.
//
// Returns:
// - Slice of preprocessing results, in input order.
// - error of the first image that failed.
//
// @example
// results, err := preprocessor.BatchPreprocess([]*images.Image{img1, img2}, 4)
func (p *Preprocessor) BatchPreprocess(imgs []*images.Image, maxConcurrency int) ([]*PreprocessingResult, error) {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	results := make([]*PreprocessingResult, len(imgs))
	var eg errgroup.Group
	eg.SetLimit(maxConcurrency)
	for i, img := range imgs {
		i, img := i, img
		eg.Go(func() error {
			result, err := p.Preprocess(img)
			if err != nil {
				return errors.Wrapf(err, "failed to preprocess image %d", i)
			}
			results[i] = result
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
