// Package images - Image definition for processing utilities.
package images

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/chai2010/webp"
	"github.com/pkg/errors"
)

// Image represents an encoded image with a format, data, width, and height.
type Image struct {
	// The format of the image.
	Format ImageFormat `json:"format" yaml:"format"`
	// The data of the image.
	Data []byte `json:"data" yaml:"data"`
	// The width of the image.
	Width int `json:"width" yaml:"width"`
	// The height of the image.
	Height int `json:"height" yaml:"height"`
}

// ImageFormat represents supported image formats
type ImageFormat string

// ImageFormat constants
const (
	// FormatJPEG is the JPEG image format.
	FormatJPEG ImageFormat = "jpeg"
	// FormatWebP is the WebP image format.
	FormatWebP ImageFormat = "webp"
	// FormatPNG is the PNG image format.
	FormatPNG ImageFormat = "png"
)

// Decode decodes the image data according to its format. An empty format
// falls back to content sniffing across the registered decoders.
//
// Arguments:
//   - img: The encoded image.
//
// Returns:
//   - The decoded image.
//   - error if the data is empty or cannot be decoded.
func Decode(img *Image) (image.Image, error) {
	if img == nil || len(img.Data) == 0 {
		return nil, errors.New("image data is empty")
	}

	r := bytes.NewReader(img.Data)
	var (
		decoded image.Image
		err     error
	)
	switch img.Format {
	case FormatJPEG:
		decoded, err = jpeg.Decode(r)
	case FormatPNG:
		decoded, err = png.Decode(r)
	case FormatWebP:
		decoded, err = webp.Decode(r)
	case "":
		decoded, _, err = image.Decode(r)
	default:
		return nil, errors.Errorf("unsupported image format %q", img.Format)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s image", img.Format)
	}
	return decoded, nil
}
