// Package models - registry for models.
package models

import (
	"log"

	"github.com/nvr-ai/go-east/models/backbone"
	"github.com/nvr-ai/go-east/models/backbone/resnet"
	"github.com/nvr-ai/go-east/models/east"
	"github.com/nvr-ai/go-east/models/model"
	"github.com/nvr-ai/go-east/models/nn"
	"github.com/pkg/errors"
)

// BackbonePrefix is the parameter name prefix of the backbone, matching the
// "backbone." module of exported checkpoints.
const BackbonePrefix = "backbone"

// NewModel creates a new text detection model instance based on the
// specified model name.
//
// This factory function serves as the primary entry point for model creation:
// it builds the backbone, wraps it in the feature pyramid adapter and stacks
// the decoder on top, loading configuration and weights when given.
//
// Arguments:
//   - args: Configuration parameters specifying the model and its files.
//
// Returns:
//   - *east.Model: A model in inference mode.
//   - error: ErrConfig if the model or backbone is unsupported or the
//     configuration is invalid, or an error loading weights.
//
// Example:
//
// ```go
//
//	detector, err := NewModel(model.NewModelArgs{
//	    Name:       model.ModelNameEAST,
//	    WeightsDir: "/models/east_resnet50",
//	})
//
//	if err != nil {
//	    log.Fatalf("Failed to create text detector: %v", err)
//	}
//
// ```
func NewModel(args model.NewModelArgs) (*east.Model, error) {
	switch args.Name {
	case model.ModelNameEAST:
		return newEAST(args)
	default:
		return nil, errors.Wrapf(model.ErrConfig, "unsupported model name: %s", args.Name)
	}
}

// BackboneConfig returns the network configuration of a named backbone.
func BackboneConfig(name model.BackboneName) (resnet.Config, error) {
	switch name {
	case "", model.BackboneResNet50:
		return resnet.ResNet50(), nil
	default:
		return resnet.Config{}, errors.Wrapf(model.ErrConfig, "unsupported backbone: %s", name)
	}
}

func newEAST(args model.NewModelArgs) (*east.Model, error) {
	cfg := east.DefaultConfig()
	if args.ConfigPath != "" {
		loaded, err := east.LoadConfig(args.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	netCfg, err := BackboneConfig(args.Backbone)
	if err != nil {
		return nil, err
	}
	netCfg.BNEpsilon = cfg.BNEpsilon

	store := nn.NewStore()
	net, err := resnet.New(store, BackbonePrefix, netCfg)
	if err != nil {
		return nil, err
	}
	if args.WeightsDir != "" {
		n, err := store.LoadNpyDir(args.WeightsDir)
		if err != nil {
			return nil, errors.Wrap(err, "load backbone weights")
		}
		log.Printf("📦 Loaded %d/%d backbone parameters from %s", n, store.Len(), args.WeightsDir)
	}

	// The adapter folds the loaded statistics when it switches the backbone
	// to inference mode.
	adapter, err := backbone.NewAdapter(net)
	if err != nil {
		return nil, err
	}

	m, err := east.New(adapter, cfg)
	if err != nil {
		return nil, err
	}
	if args.WeightsDir != "" {
		n, err := m.LoadWeights(args.WeightsDir)
		if err != nil {
			return nil, errors.Wrap(err, "load decoder weights")
		}
		log.Printf("📦 Loaded %d/%d decoder parameters from %s", n, m.Store().Len(), args.WeightsDir)
	}
	return m, nil
}
