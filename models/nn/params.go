// Package nn - Layer building blocks for gorgonia expression graphs.
//
// Layers own host-side parameters (*tensor.Dense) and add themselves to an
// expression graph on demand, so the same layer can be compiled into as many
// graphs as there are input shapes.
package nn

import (
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/nvr-ai/go-east/models/model"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Store is a flat registry of named float32 parameters.
//
// Names are dotted paths ("merge1.conv1.weight") and double as node names in
// the expression graphs, so they must be unique per model.
type Store struct {
	params map[string]*tensor.Dense
}

// NewStore creates an empty parameter store.
func NewStore() *Store {
	return &Store{params: make(map[string]*tensor.Dense)}
}

// Get returns the parameter registered under name.
func (s *Store) Get(name string) (*tensor.Dense, bool) {
	t, ok := s.params[name]
	return t, ok
}

// Len returns the number of registered parameters.
func (s *Store) Len() int {
	return len(s.params)
}

// Names returns all parameter names in lexical order.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.params))
	for name := range s.params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the total number of scalar weights held by the store.
func (s *Store) Count() int {
	n := 0
	for _, t := range s.params {
		n += t.Shape().TotalSize()
	}
	return n
}

// Normal registers a parameter drawn from N(0, std²).
//
// Arguments:
//   - name: Unique parameter name.
//   - std: Standard deviation of the normal distribution.
//   - shape: Parameter shape.
//
// Returns:
//   - The registered tensor.
func (s *Store) Normal(name string, std float64, shape ...int) *tensor.Dense {
	backing := G.Gaussian(0, std)(tensor.Float32, shape...).([]float32)
	return s.register(name, tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing)))
}

// Kaiming registers a convolution weight of shape (out, in, k, k) using He
// initialisation for ReLU networks.
func (s *Store) Kaiming(name string, out, in, kernel int) *tensor.Dense {
	fanIn := float64(in * kernel * kernel)
	return s.Normal(name, math.Sqrt(2/fanIn), out, in, kernel, kernel)
}

// Fill registers a parameter with every element set to v.
func (s *Store) Fill(name string, v float32, shape ...int) *tensor.Dense {
	backing := make([]float32, tensor.Shape(shape).TotalSize())
	for i := range backing {
		backing[i] = v
	}
	return s.register(name, tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing)))
}

// Set overwrites the values of an already registered parameter.
//
// The parameter keeps its identity so layers holding it observe the new
// values; only the backing data is copied.
//
// Returns:
//   - ErrConfig if the parameter is unknown or is not float32.
//   - ErrShapeMismatch if the shapes differ.
func (s *Store) Set(name string, value *tensor.Dense) error {
	dst, ok := s.params[name]
	if !ok {
		return errors.Wrapf(model.ErrConfig, "unknown parameter %q", name)
	}
	if value.Dtype() != tensor.Float32 {
		return errors.Wrapf(model.ErrConfig, "parameter %q: dtype %v, want float32", name, value.Dtype())
	}
	if !dst.Shape().Eq(value.Shape()) {
		return errors.Wrapf(model.ErrShapeMismatch, "parameter %q: shape %v, want %v", name, value.Shape(), dst.Shape())
	}
	copy(dst.Data().([]float32), value.Data().([]float32))
	return nil
}

// LoadNpyDir reads <name>.npy files from dir into the registered parameters.
//
// Parameters without a file keep their current values, which lets a partial
// checkpoint (e.g. backbone-only) be layered on top of initialised weights.
//
// Arguments:
//   - dir: Directory containing one NumPy file per parameter.
//
// Returns:
//   - The number of parameters loaded.
//   - An error if a file cannot be parsed or does not match its parameter.
func (s *Store) LoadNpyDir(dir string) (int, error) {
	loaded := 0
	for _, name := range s.Names() {
		path := filepath.Join(dir, name+".npy")
		f, err := os.Open(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return loaded, errors.Wrapf(err, "open %s", path)
		}

		value := new(tensor.Dense)
		err = value.ReadNpy(f)
		f.Close()
		if err != nil {
			return loaded, errors.Wrapf(err, "read %s", path)
		}
		if err := s.Set(name, value); err != nil {
			return loaded, err
		}
		loaded++
	}
	return loaded, nil
}

func (s *Store) register(name string, t *tensor.Dense) *tensor.Dense {
	if _, dup := s.params[name]; dup {
		panic("nn: duplicate parameter " + name)
	}
	s.params[name] = t
	return t
}
