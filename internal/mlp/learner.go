package mlp

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/hcmsuper/dlc-bl-testing/internal/generics"
)

// Learner drives optimization and inference for a Classifier: it owns the
// compiled executors and the optimizer. Gradient computation, the optimizer
// update and the graph compilation are all the framework's.
type Learner struct {
	model   *Classifier
	backend backends.Backend

	// optimizer used when training the model.
	optimizer optimizers.Interface

	// Executors.
	trainStepExec, evalExec *context.Exec
}

// NewLearner creates the optimizer (from the model's context
// hyperparameters) and the train/eval executors for model.
func NewLearner(backend backends.Backend, model *Classifier) *Learner {
	l := &Learner{
		model:     model,
		backend:   backend,
		optimizer: optimizers.FromContext(model.Context()),
	}
	l.trainStepExec = context.NewExec(backend, model.Context(),
		func(ctx *context.Context, inputsAndLabels []*graph.Node) *graph.Node {
			inputs := inputsAndLabels[:len(inputsAndLabels)-1]
			labels := inputsAndLabels[len(inputsAndLabels)-1]
			g := labels.Graph()
			ctx.SetTraining(g, true)
			loss := model.LossGraph(ctx, inputs, labels)
			l.optimizer.UpdateGraph(ctx, g, loss)
			train.ExecPerStepUpdateGraphFn(ctx, g)
			return loss
		})
	l.evalExec = context.NewExec(backend, model.Context(),
		func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
			logits := model.ForwardGraph(ctx, inputs)
			predictions := graph.ArgMax(logits, -1, dtypes.Int32)
			probabilities := graph.Softmax(logits)
			return []*graph.Node{predictions, probabilities}
		})
	return l
}

// TrainStep runs one forward/backward/optimizer-step pass over a batch and
// returns its loss. The input tensors are donated to the framework.
func (l *Learner) TrainStep(inputs, labels []*tensors.Tensor) float32 {
	all := append(append([]*tensors.Tensor{}, inputs...), labels...)
	donated := generics.SliceMap(all, func(t *tensors.Tensor) any {
		return graph.DonateTensorBuffer(t, l.backend)
	})
	lossT := l.trainStepExec.Call(donated...)[0]
	return tensors.ToScalar[float32](lossT)
}

// Predictions holds one eval batch's outputs.
type Predictions struct {
	// Classes are the argmax predictions, one per example.
	Classes []int32

	// ClassOneProbs is the softmax probability of class 1, one per example.
	ClassOneProbs []float32
}

// Evaluate runs the forward pass over a batch and returns its predictions.
// The input tensors are donated to the framework.
func (l *Learner) Evaluate(inputs []*tensors.Tensor) Predictions {
	donated := generics.SliceMap(inputs, func(t *tensors.Tensor) any {
		return graph.DonateTensorBuffer(t, l.backend)
	})
	outputs := l.evalExec.Call(donated...)
	classes := tensors.CopyFlatData[int32](outputs[0])
	probs := tensors.CopyFlatData[float32](outputs[1])
	numClasses := l.model.NumClasses()
	classOne := make([]float32, len(classes))
	for ii := range classOne {
		classOne[ii] = probs[ii*numClasses+1]
	}
	return Predictions{Classes: classes, ClassOneProbs: classOne}
}

// SetLearningRate overrides the optimizer's learning rate, both for graphs
// not yet built (the context hyperparameter) and for the already materialized
// learning-rate variable.
func (l *Learner) SetLearningRate(lr float64) {
	ctx := l.model.Context()
	ctx.SetParam(optimizers.ParamLearningRate, lr)
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Name() != optimizers.ParamLearningRate {
			return
		}
		if v.Value().DType() == dtypes.Float64 {
			v.SetValue(tensors.FromScalar(lr))
		} else {
			v.SetValue(tensors.FromScalar(float32(lr)))
		}
	})
}
