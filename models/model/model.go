// Package model - Shared definitions for text detection models.
package model

// Name is the unique identifier of a model.
type Name string

const (
	// ModelNameEAST is the EAST (Efficient and Accurate Scene Text) detector.
	ModelNameEAST Name = "east"
)

// BackboneName identifies a feature extraction network.
type BackboneName string

const (
	// BackboneResNet50 is the bottleneck ResNet with {3, 4, 6, 3} blocks.
	BackboneResNet50 BackboneName = "resnet50"
)

// NewModelArgs is the arguments for creating a new model.
type NewModelArgs struct {
	// Name selects the model architecture.
	Name Name `json:"name" yaml:"name"`
	// Backbone selects the feature extractor. Empty means the model default.
	Backbone BackboneName `json:"backbone" yaml:"backbone"`
	// ConfigPath is an optional YAML file overlaying the default configuration.
	ConfigPath string `json:"config_path" yaml:"config_path"`
	// WeightsDir is an optional directory of <parameter>.npy files.
	WeightsDir string `json:"weights_dir" yaml:"weights_dir"`
}
