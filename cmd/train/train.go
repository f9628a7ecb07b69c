package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
	"k8s.io/klog/v2"

	"github.com/hcmsuper/dlc-bl-testing/internal/distributed"
	"github.com/hcmsuper/dlc-bl-testing/internal/metrics"
	"github.com/hcmsuper/dlc-bl-testing/internal/mlp"
	"github.com/hcmsuper/dlc-bl-testing/internal/parameters"
	"github.com/hcmsuper/dlc-bl-testing/internal/schedule"
	"github.com/hcmsuper/dlc-bl-testing/internal/tabular"
)

// samplerSeed makes the epoch permutations identical on every rank.
const samplerSeed = 42

// initialCheckpointName is the shared temp checkpoint every rank loads at
// startup, so all replicas begin from the same parameters.
const initialCheckpointName = "initial_weights"

// train is the per-epoch driver: sharded training pass, learning-rate step,
// evaluation, and (leader only) metric logging and snapshot persistence.
func train(ctx context.Context, backend backends.Backend, pg *distributed.ProcessGroup) error {
	lr := *flagLR * float64(pg.WorldSize()) // Scale once by the number of replicas.

	trainData, err := tabular.Load("train", filepath.Join(*flagDataPath, "train.csv"))
	if err != nil {
		return err
	}
	testData, err := tabular.Load("test", filepath.Join(*flagDataPath, "test.csv"))
	if err != nil {
		return err
	}
	if trainData.NumFeatures() != mlp.NumFeatures {
		klog.Warningf("train.csv has %d feature columns, model was sized for %d",
			trainData.NumFeatures(), mlp.NumFeatures)
	}

	trainSampler := tabular.NewSampler(trainData, tabular.SamplerConfig{
		Rank:      pg.Rank(),
		WorldSize: pg.WorldSize(),
		BatchSize: *flagBatchSize,
		Shuffle:   true,
		DropLast:  true,
		Seed:      samplerSeed,
	})
	valSampler := tabular.NewSampler(testData, tabular.SamplerConfig{
		Rank:      pg.Rank(),
		WorldSize: pg.WorldSize(),
		BatchSize: *flagBatchSize,
		Seed:      samplerSeed,
	})

	model := mlp.New(*flagNumClasses)
	if err := model.ApplyParams(parameters.NewFromConfigString(*flagHParams)); err != nil {
		return err
	}
	model.Context().SetParam(optimizers.ParamLearningRate, lr)
	learner := mlp.NewLearner(backend, model)

	// Force creating the variables before anything reads or freezes them.
	warmup := [][]float32{make([]float32, trainData.NumFeatures())}
	_ = learner.Evaluate([]*tensors.Tensor{model.CreateInputs(warmup)})

	if err := synchronizeInitialWeights(ctx, pg, model); err != nil {
		return err
	}
	if *flagFreezeLayers {
		model.FreezeHiddenLayers()
		klog.Infof("frozen hidden layers, %d parameters remain trainable", model.NumTrainableParams())
	}

	var writer *metrics.Writer
	weightsDir := filepath.Join(*flagLogDir, "weights")
	if pg.IsLeader() {
		writer, err = metrics.NewWriter(*flagLogDir)
		if err != nil {
			return err
		}
		defer func() { _ = writer.Close() }()
		if err := os.MkdirAll(weightsDir, 0755); err != nil {
			return errors.Wrapf(err, "failed to create weights directory %q", weightsDir)
		}
	}

	scheduler := schedule.Cosine{Epochs: *flagEpochs, Floor: float32(*flagLRF)}
	for epoch := 0; epoch < *flagEpochs; epoch++ {
		trainSampler.SetEpoch(epoch)
		meanLoss, err := trainOneEpoch(ctx, pg, learner, model, trainSampler, epoch)
		if err != nil {
			return errors.WithMessagef(err, "training epoch %d", epoch)
		}

		// Advance the cosine schedule once per epoch.
		epochLR := lr * float64(scheduler.Multiplier(epoch+1))
		learner.SetLearningRate(epochLR)

		accuracy, auc, err := evaluate(ctx, pg, learner, valSampler)
		if err != nil {
			return errors.WithMessagef(err, "evaluating epoch %d", epoch)
		}

		if pg.IsLeader() {
			klog.Infof("[epoch %d] loss: %.4f accuracy: %.3f auc: %.3f", epoch, meanLoss, accuracy, auc)
			for tag, value := range map[string]float64{
				"loss":          float64(meanLoss),
				"accuracy":      accuracy,
				"auc":           auc,
				"learning_rate": epochLR,
			} {
				if err := writer.Add(tag, epoch, value); err != nil {
					return err
				}
			}
			snapshotDir := filepath.Join(weightsDir, fmt.Sprintf("model-%d", epoch))
			if err := model.Snapshot(snapshotDir); err != nil {
				return err
			}
		}
	}

	// Drop the temporary initialization checkpoint, leader only.
	if pg.IsLeader() {
		initialDir := filepath.Join(os.TempDir(), initialCheckpointName)
		if _, err := os.Stat(initialDir); err == nil {
			if err := os.RemoveAll(initialDir); err != nil {
				klog.Warningf("failed to remove initial checkpoint %q: %v", initialDir, err)
			}
		}
	}
	return nil
}

// synchronizeInitialWeights makes every replica start from rank 0's
// parameters: rank 0 persists them (optionally seeded from --weights) to a
// shared temp checkpoint, and after a barrier every rank loads it.
func synchronizeInitialWeights(ctx context.Context, pg *distributed.ProcessGroup, model *mlp.Classifier) error {
	initialDir := filepath.Join(os.TempDir(), initialCheckpointName)
	if pg.IsLeader() {
		if *flagWeights != "" {
			if _, err := os.Stat(*flagWeights); err == nil {
				if err := model.Load(*flagWeights); err != nil {
					return err
				}
				klog.Infof("loaded initial weights from %q", *flagWeights)
			} else {
				klog.Warningf("initial weights %q not found, starting from random parameters", *flagWeights)
			}
		}
		if err := model.Snapshot(initialDir); err != nil {
			return err
		}
	}
	// The checkpoint must be fully written before anyone reads it.
	if err := pg.Barrier(ctx); err != nil {
		return err
	}
	return model.Load(initialDir)
}

// trainOneEpoch runs one sharded pass of forward/backward/optimizer-step and
// returns the epoch's mean loss across all replicas. After every optimizer
// step the replicas' parameters are averaged, keeping them in lockstep.
func trainOneEpoch(ctx context.Context, pg *distributed.ProcessGroup, learner *mlp.Learner,
	model *mlp.Classifier, sampler *tabular.Sampler, epoch int) (float32, error) {
	var bar *progressbar.ProgressBar
	if pg.IsLeader() && term.IsTerminal(int(os.Stderr.Fd())) {
		bar = progressbar.Default(int64(sampler.NumBatches()), fmt.Sprintf("epoch %d", epoch))
	}

	sampler.Reset()
	var lossSum float32
	var steps int
	for {
		_, inputs, labels, err := sampler.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		lossSum += learner.TrainStep(inputs, labels)
		steps++
		if err := averageParameters(ctx, pg, model); err != nil {
			return 0, err
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}

	// Mean loss over all replicas' steps.
	totals := []float32{lossSum, float32(steps)}
	if err := pg.AllReduceSum(ctx, totals); err != nil {
		return 0, err
	}
	if totals[1] == 0 {
		return 0, errors.New("no training batches: shard smaller than one batch")
	}
	return totals[0] / totals[1], nil
}

// averageParameters replaces every replica's trainable parameters with the
// group mean. With identical starting points this matches the usual
// gradient-averaging data parallelism.
func averageParameters(ctx context.Context, pg *distributed.ProcessGroup, model *mlp.Classifier) error {
	if pg.WorldSize() == 1 {
		return nil
	}
	params := model.TrainableParams()
	if err := pg.AllReduceSum(ctx, params); err != nil {
		return err
	}
	scale := 1 / float32(pg.WorldSize())
	for ii := range params {
		params[ii] *= scale
	}
	return model.SetTrainableParams(params)
}

// evaluate runs the held-out shard and returns the group accuracy and the
// ROC AUC over all replicas' predictions.
func evaluate(ctx context.Context, pg *distributed.ProcessGroup, learner *mlp.Learner,
	sampler *tabular.Sampler) (accuracy, auc float64, err error) {
	sampler.Reset()
	var correct int
	var scores []float32
	var labelValues []float32
	for {
		_, inputs, labels, err := sampler.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, 0, err
		}
		batchLabels := tensors.CopyFlatData[int32](labels[0])
		preds := learner.Evaluate(inputs)
		for ii, class := range preds.Classes {
			if class == batchLabels[ii] {
				correct++
			}
		}
		scores = append(scores, preds.ClassOneProbs...)
		for _, label := range batchLabels {
			labelValues = append(labelValues, float32(label))
		}
	}

	counts := []float32{float32(correct)}
	if err := pg.AllReduceSum(ctx, counts); err != nil {
		return 0, 0, err
	}
	accuracy = float64(counts[0]) / float64(sampler.TotalSize())

	allScores, err := pg.AllGather(ctx, scores)
	if err != nil {
		return 0, 0, err
	}
	allLabels, err := pg.AllGather(ctx, labelValues)
	if err != nil {
		return 0, 0, err
	}
	labelsInt := make([]int32, len(allLabels))
	for ii, v := range allLabels {
		labelsInt[ii] = int32(v)
	}
	auc, aucErr := metrics.AUC(allScores, labelsInt)
	if aucErr != nil {
		// Single-class eval shards leave the AUC undefined; accuracy still holds.
		klog.V(1).Infof("AUC unavailable: %v", aucErr)
		auc = 0
	}
	return accuracy, auc, nil
}
