package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)

	require.NoError(t, w.Add("loss", 0, 0.9))
	require.NoError(t, w.Add("loss", 1, 0.7))
	require.NoError(t, w.Add("accuracy", 0, 0.5))
	require.NoError(t, w.Close())

	losses, err := Read(dir, "loss")
	require.NoError(t, err)
	require.Len(t, losses, 2)
	assert.Equal(t, "loss", losses[0].Tag)
	assert.Equal(t, 0, losses[0].Epoch)
	assert.Equal(t, 0.9, losses[0].Value)
	assert.Equal(t, 1, losses[1].Epoch)
	assert.Equal(t, 0.7, losses[1].Value)

	accuracies, err := Read(dir, "accuracy")
	require.NoError(t, err)
	require.Len(t, accuracies, 1)
	assert.Equal(t, 0.5, accuracies[0].Value)

	// Reopening appends rather than truncating.
	w2, err := NewWriter(dir)
	require.NoError(t, err)
	require.NoError(t, w2.Add("loss", 2, 0.6))
	require.NoError(t, w2.Close())
	losses, err = Read(dir, "loss")
	require.NoError(t, err)
	assert.Len(t, losses, 3)
}

func TestAUC(t *testing.T) {
	// Perfectly separable scores.
	auc, err := AUC([]float32{0.1, 0.2, 0.8, 0.9}, []int32{0, 0, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, 1.0, auc)

	// Perfectly wrong.
	auc, err = AUC([]float32{0.9, 0.8, 0.2, 0.1}, []int32{0, 0, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, 0.0, auc)

	// All scores tied: no discrimination.
	auc, err = AUC([]float32{0.5, 0.5, 0.5, 0.5}, []int32{0, 1, 0, 1})
	require.NoError(t, err)
	assert.Equal(t, 0.5, auc)

	// One inversion out of four pairs.
	auc, err = AUC([]float32{0.1, 0.6, 0.4, 0.9}, []int32{0, 0, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, 0.75, auc)
}

func TestAUCErrors(t *testing.T) {
	_, err := AUC([]float32{0.1}, []int32{0, 1})
	assert.Error(t, err)

	_, err = AUC([]float32{0.1, 0.9}, []int32{0, 2})
	assert.Error(t, err)

	// Single-class batches have no defined AUC.
	_, err = AUC([]float32{0.1, 0.9}, []int32{1, 1})
	assert.Error(t, err)
}
