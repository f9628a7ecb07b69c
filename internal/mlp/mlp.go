// Package mlp implements the feed-forward tabular classifier: a fixed-depth
// stack of fully-connected layers with ReLU activations, built on GoMLX.
package mlp

import (
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/regularizers"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// NumFeatures is the input feature vector width the classifier is built for.
const NumFeatures = 915

// HiddenDims are the output widths of the hidden layers, in order.
var HiddenDims = []int{2048, 1024, 512, 64}

// Classifier is the feed-forward binary classifier over tabular features.
//
// Parameters live in a gomlx context; given identical parameters and input,
// the forward pass is deterministic.
type Classifier struct {
	ctx        *context.Context
	numClasses int
}

// New creates a Classifier with numClasses output logits and freshly
// initialized parameters. Hyperparameters get their defaults and can be
// overridden on Context() before the first graph build.
func New(numClasses int) *Classifier {
	c := &Classifier{ctx: context.New(), numClasses: numClasses}
	c.ctx.RngStateReset()
	c.ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 0.001,
		optimizers.ParamAdamEpsilon:  1e-7,
		layers.ParamDropoutRate:      0.0,
		regularizers.ParamL2:         0.0,
		regularizers.ParamL1:         0.0,
	})
	c.ctx = c.ctx.Checked(false)
	return c
}

// Context returns the gomlx context holding the model parameters and
// hyperparameters.
func (c *Classifier) Context() *context.Context { return c.ctx }

// NumClasses returns the width of the output logits.
func (c *Classifier) NumClasses() int { return c.numClasses }

// CreateInputs converts a batch of feature vectors into the forward-pass
// input tensor, shaped (batch, NumFeatures).
func (c *Classifier) CreateInputs(batch [][]float32) *tensors.Tensor {
	numFeatures := NumFeatures
	if len(batch) > 0 {
		numFeatures = len(batch[0])
	}
	inputsT := tensors.FromShape(shapes.Make(dtypes.Float32, len(batch), numFeatures))
	tensors.MutableFlatData(inputsT, func(flat []float32) {
		for ii, features := range batch {
			copy(flat[ii*numFeatures:], features)
		}
	})
	return inputsT
}

// ForwardGraph builds the forward pass: hidden fully-connected layers with
// ReLU in between, and a final layer with no activation returning the raw
// logits, shaped (batch, numClasses).
func (c *Classifier) ForwardGraph(ctx *context.Context, inputs []*graph.Node) *graph.Node {
	hidden := inputs[0]
	batchSize := hidden.Shape().Dim(0)
	for ii, dim := range HiddenDims {
		hidden = layers.Dense(ctx.In(hiddenScope(ii)), hidden, true, dim)
		hidden = activations.Relu(hidden)
	}
	logits := layers.Dense(ctx.In("output"), hidden, true, c.numClasses)
	logits.AssertDims(batchSize, c.numClasses)
	return logits
}

// LossGraph builds the mean sparse categorical cross-entropy over the raw
// logits. labels must be shaped (batch, 1) with an integer dtype.
func (c *Classifier) LossGraph(ctx *context.Context, inputs []*graph.Node, labels *graph.Node) *graph.Node {
	logits := c.ForwardGraph(ctx, inputs)
	loss := losses.SparseCategoricalCrossEntropyLogits([]*graph.Node{labels}, []*graph.Node{logits})
	if !loss.IsScalar() {
		loss = graph.ReduceAllMean(loss)
	}
	return loss
}

// FreezeHiddenLayers marks the hidden layers' variables as non-trainable, so
// only the output layer keeps learning. The variables must already exist
// (run one forward pass, or load a checkpoint, first).
func (c *Classifier) FreezeHiddenLayers() {
	c.ctx.EnumerateVariables(func(v *context.Variable) {
		if strings.Contains(v.Scope(), "/hidden_") {
			v.Trainable = false
		}
	})
}

func hiddenScope(layer int) string {
	return fmt.Sprintf("hidden_%d", layer)
}
