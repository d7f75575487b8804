package model

import "github.com/pkg/errors"

var (
	// ErrConfig is returned when the model is configured inconsistently, e.g.
	// the number of channel means does not match the input channels or the
	// merge stage channel constants do not match the backbone.
	ErrConfig = errors.New("configuration error")

	// ErrShapeMismatch is returned when two tensors that must agree in shape
	// do not.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrMissingTap is returned when a backbone does not expose one of the
	// intermediate activations the decoder consumes.
	ErrMissingTap = errors.New("missing backbone tap")

	// ErrNotInference is returned when a network is asked to build its
	// forward pass before being put into inference mode.
	ErrNotInference = errors.New("network is not in inference mode")
)
