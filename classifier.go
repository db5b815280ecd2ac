package rocnn

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/NHafssa/Rugulopteryx-okamurae-Early-Detection/checkpoint"
)

// ErrShapeMismatch is returned by Classifier.Forward when the input tensor is
// not a float32 batch shaped [batch, 6, 64, 64].
var ErrShapeMismatch = errors.New("input does not match the fixed [batch, 6, 64, 64] float32 input")

// OnMissing selects what Load does when there is no checkpoint at the given
// path.
type OnMissing int

const (
	// FailFast attempts the load anyway and surfaces the not-found error.
	FailFast OnMissing = iota
	// CreateFresh returns a newly constructed model with randomly
	// initialized parameters instead.
	CreateFresh
)

// Classifier holds the R. okamurae detection model compiled for a backend.
//
// Each instance owns its parameters exclusively; Forward never mutates
// anything but reads them, so inference is deterministic for fixed
// parameters and input.
type Classifier struct {
	backend backends.Backend

	// ctx holds the model's parameters (weights and biases per stage).
	ctx *context.Context

	// exec executes the forward graph, compiled per batch size.
	exec *context.Exec
}

// New constructs a Classifier with randomly initialized parameters.
//
// Parameters are materialized immediately (not lazily at the first Forward),
// so a freshly constructed model can be saved or hydrated right away.
func New(backend backends.Backend) (*Classifier, error) {
	ctx := context.New()
	ctx.RngStateReset()
	c := &Classifier{backend: backend, ctx: ctx}
	c.exec = context.NewExec(backend, ctx, func(ctx *context.Context, tiles *graph.Node) *graph.Node {
		return ModelGraph(ctx, nil, []*graph.Node{tiles})[0]
	})

	// Build the graph once on an empty batch: this creates and initializes
	// every parameter.
	seed := tensors.FromShape(shapes.Make(dtypes.Float32, 1, InputChannels, InputHeight, InputWidth))
	err := exceptions.TryCatch[error](func() { _ = c.exec.Call(seed) })
	if err != nil {
		return nil, errors.WithMessage(err, "failed to initialize model parameters")
	}
	return c, nil
}

// Load builds a Classifier and hydrates it from the checkpoint at path.
//
// If path does not exist, the onMissing policy decides: CreateFresh returns
// a new model with randomly initialized parameters (nothing is read or
// written), while FailFast proceeds with the load attempt and returns the
// resulting not-found error.
func Load(backend backends.Backend, path string, onMissing OnMissing) (*Classifier, error) {
	c, err := New(backend)
	if err != nil {
		return nil, err
	}
	if onMissing == CreateFresh && !data.FileExists(path) {
		klog.Infof("no checkpoint found at %q, new model created", path)
		return c, nil
	}
	if err := checkpoint.Restore(c.ctx, path); err != nil {
		return nil, err
	}
	klog.Infof("model loaded from %q", path)
	return c, nil
}

// Save writes the model's parameters to a checkpoint at path, creating the
// containing directory if needed. If a file already exists at path and
// overwrite is false, nothing is written and Save returns (false, nil).
func (c *Classifier) Save(path string, overwrite bool) (saved bool, err error) {
	return checkpoint.Save(c.ctx, path, overwrite)
}

// Forward runs the model on a float32 batch shaped [batch, 6, 64, 64] and
// returns the logits, shaped [batch, 1].
func (c *Classifier) Forward(tiles *tensors.Tensor) (*tensors.Tensor, error) {
	s := tiles.Shape()
	if s.Rank() != 4 || s.DType != dtypes.Float32 ||
		s.Dimensions[1] != InputChannels ||
		s.Dimensions[2] != InputHeight || s.Dimensions[3] != InputWidth {
		return nil, errors.Wrapf(ErrShapeMismatch, "got %s", s)
	}
	var outputs []*tensors.Tensor
	err := exceptions.TryCatch[error](func() { outputs = c.exec.Call(tiles) })
	if err != nil {
		return nil, err
	}
	return outputs[0], nil
}

// Context returns the context holding the model's parameters.
func (c *Classifier) Context() *context.Context {
	return c.ctx
}
