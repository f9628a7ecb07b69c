package mlp

import (
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/xla"

	"github.com/hcmsuper/dlc-bl-testing/internal/parameters"
)

// testBatch returns a deterministic (batchSize, NumFeatures) input batch.
func testBatch(batchSize int) [][]float32 {
	batch := make([][]float32, batchSize)
	for ii := range batch {
		features := make([]float32, NumFeatures)
		for jj := range features {
			features[jj] = float32((ii+1)*(jj%7)) / 100
		}
		batch[ii] = features
	}
	return batch
}

func forward(c *Classifier, inputs *tensors.Tensor) *tensors.Tensor {
	backend := graphtest.BuildTestBackend()
	return context.ExecOnce(backend, c.Context(),
		func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
			return c.ForwardGraph(ctx, inputs)
		}, inputs)
}

func TestForwardShapeAndDeterminism(t *testing.T) {
	c := New(2)
	const batchSize = 3
	inputs := c.CreateInputs(testBatch(batchSize))

	logitsT := forward(c, inputs)
	assert.Equal(t, []int{batchSize, 2}, logitsT.Shape().Dimensions)

	// Same parameters, same input: identical output.
	again := forward(c, c.CreateInputs(testBatch(batchSize)))
	assert.Equal(t,
		tensors.CopyFlatData[float32](logitsT),
		tensors.CopyFlatData[float32](again))
}

func TestLossGraphIsScalar(t *testing.T) {
	c := New(2)
	const batchSize = 4
	inputs := c.CreateInputs(testBatch(batchSize))
	labels := tensors.FromFlatDataAndDimensions([]int32{0, 1, 1, 0}, batchSize, 1)

	backend := graphtest.BuildTestBackend()
	lossT := context.ExecOnce(backend, c.Context(),
		func(ctx *context.Context, inputsAndLabels []*graph.Node) *graph.Node {
			return c.LossGraph(ctx, inputsAndLabels[:1], inputsAndLabels[1])
		}, inputs, labels)
	lossT.Shape().AssertScalar()
	assert.Greater(t, tensors.ToScalar[float32](lossT), float32(0))
}

func TestCheckpointRoundTrip(t *testing.T) {
	c := New(2)
	// Materialize the variables.
	_ = forward(c, c.CreateInputs(testBatch(1)))
	params := c.TrainableParams()
	require.NotEmpty(t, params)

	dir := t.TempDir()
	require.NoError(t, c.Snapshot(dir))

	restored := New(2)
	require.NoError(t, restored.Load(dir))
	assert.Equal(t, params, restored.TrainableParams())
}

func TestSnapshotReplacesExistingCheckpoint(t *testing.T) {
	dir := t.TempDir()

	stale := New(2)
	_ = forward(stale, stale.CreateInputs(testBatch(1)))
	require.NoError(t, stale.Snapshot(dir))

	c := New(2)
	_ = forward(c, c.CreateInputs(testBatch(1)))
	params := c.TrainableParams()
	for ii := range params {
		params[ii] = float32(ii%17) / 10
	}
	require.NoError(t, c.SetTrainableParams(params))

	// Snapshotting into a non-empty directory must write the live parameters,
	// not resurrect the previous run's.
	require.NoError(t, c.Snapshot(dir))
	assert.Equal(t, params, c.TrainableParams())

	restored := New(2)
	require.NoError(t, restored.Load(dir))
	assert.Equal(t, params, restored.TrainableParams())
}

func TestLoadMissingCheckpoint(t *testing.T) {
	// A rank must not silently keep its own random initialization when the
	// shared checkpoint is absent.
	c := New(2)
	require.Error(t, c.Load(filepath.Join(t.TempDir(), "no_such_checkpoint")))
}

func TestTrainableParamsRoundTrip(t *testing.T) {
	c := New(2)
	_ = forward(c, c.CreateInputs(testBatch(1)))

	total := 0
	dims := append([]int{NumFeatures}, HiddenDims...)
	dims = append(dims, 2)
	for ii := 0; ii+1 < len(dims); ii++ {
		total += dims[ii]*dims[ii+1] + dims[ii+1] // Weights plus bias.
	}
	assert.Equal(t, total, c.NumTrainableParams())

	params := c.TrainableParams()
	require.Len(t, params, total)
	for ii := range params {
		params[ii] = float32(ii%101) / 100
	}
	require.NoError(t, c.SetTrainableParams(params))
	assert.Equal(t, params, c.TrainableParams())

	// Wrong sizes are rejected.
	assert.Error(t, c.SetTrainableParams(params[:len(params)-1]))
	assert.Error(t, c.SetTrainableParams(append(params, 0)))
}

func TestFreezeHiddenLayers(t *testing.T) {
	c := New(2)
	_ = forward(c, c.CreateInputs(testBatch(1)))
	before := c.NumTrainableParams()

	c.FreezeHiddenLayers()
	after := c.NumTrainableParams()
	// Only the output layer remains trainable.
	lastHidden := HiddenDims[len(HiddenDims)-1]
	assert.Equal(t, lastHidden*2+2, after)
	assert.Less(t, after, before)
}

func TestApplyParams(t *testing.T) {
	c := New(2)
	require.NoError(t, c.ApplyParams(parameters.NewFromConfigString("learning_rate=0.01")))
	assert.Equal(t, 0.01, context.GetParamOr(c.Context(), "learning_rate", 0.0))

	assert.Error(t, c.ApplyParams(parameters.NewFromConfigString("no_such_param=1")))
}
