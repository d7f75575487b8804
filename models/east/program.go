package east

import (
	"sync"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

var errProgramClosed = errors.New("program closed")

// program is the compiled forward pass for one input shape.
//
// A tape machine keeps the activations of the last run on its nodes, so runs
// of the same program are serialised and the machine is reset before the
// lock is released, whether the run failed or not.
type program struct {
	mu       sync.Mutex
	shape    tensor.Shape
	graph    *G.ExprGraph
	input    *G.Node
	score    *G.Node
	geometry *G.Node
	vm       G.VM
	closed   bool
}

// run executes the program on x, which must already be mean-subtracted and
// of the compiled shape.
func (p *program) run(x *tensor.Dense) (*Output, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errProgramClosed
	}
	defer p.vm.Reset()

	if err := G.Let(p.input, x); err != nil {
		return nil, errors.Wrap(err, "bind input")
	}
	if err := p.vm.RunAll(); err != nil {
		return nil, errors.Wrapf(err, "run forward pass for %v", p.shape)
	}

	score, err := detach(p.score)
	if err != nil {
		return nil, errors.Wrap(err, "score")
	}
	geometry, err := detach(p.geometry)
	if err != nil {
		return nil, errors.Wrap(err, "geometry")
	}
	return &Output{Score: score, Geometry: geometry}, nil
}

func (p *program) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.vm.Close()
}

// detach copies the value of n out of the graph.
func detach(n *G.Node) (*tensor.Dense, error) {
	v, ok := n.Value().(*tensor.Dense)
	if !ok || v == nil {
		return nil, errors.Errorf("node %s holds no dense value", n.Name())
	}
	out, ok := v.Clone().(*tensor.Dense)
	if !ok {
		return nil, errors.Errorf("node %s: unexpected clone type %T", n.Name(), out)
	}
	return out, nil
}
