package mlp

import (
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/hcmsuper/dlc-bl-testing/internal/generics"
)

// trainableVariables returns the trainable float32 variables keyed by their
// full scope path. Iterating the sorted keys gives a deterministic order,
// the same on every worker, which is what the data-parallel weight exchange
// relies on.
func (c *Classifier) trainableVariables() map[string]*context.Variable {
	vars := make(map[string]*context.Variable)
	c.ctx.EnumerateVariables(func(v *context.Variable) {
		if !v.Trainable || v.Value().DType() != dtypes.Float32 {
			return
		}
		vars[v.Scope()+"/"+v.Name()] = v
	})
	return vars
}

// NumTrainableParams returns the total number of trainable float32 scalars.
func (c *Classifier) NumTrainableParams() int {
	var total int
	for _, v := range c.trainableVariables() {
		total += v.Value().Shape().Size()
	}
	return total
}

// TrainableParams flattens all trainable variables into a single float32
// vector, in deterministic variable order.
func (c *Classifier) TrainableParams() []float32 {
	vars := c.trainableVariables()
	flat := make([]float32, 0, c.NumTrainableParams())
	for _, v := range generics.SortedKeysAndValues(vars) {
		flat = append(flat, tensors.CopyFlatData[float32](v.Value())...)
	}
	return flat
}

// SetTrainableParams writes flat back into the trainable variables, in the
// same order used by TrainableParams.
func (c *Classifier) SetTrainableParams(flat []float32) error {
	vars := c.trainableVariables()
	offset := 0
	for key, v := range generics.SortedKeysAndValues(vars) {
		size := v.Value().Shape().Size()
		if offset+size > len(flat) {
			return errors.Errorf("flattened parameters too short: %d values, need %d more for %q",
				len(flat), offset+size-len(flat), key)
		}
		values := make([]float32, size)
		copy(values, flat[offset:offset+size])
		v.SetValue(tensors.FromFlatDataAndDimensions(values, v.Value().Shape().Dimensions...))
		offset += size
	}
	if offset != len(flat) {
		return errors.Errorf("flattened parameters too long: %d values, model has %d", len(flat), offset)
	}
	return nil
}
