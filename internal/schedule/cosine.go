// Package schedule implements the per-epoch learning-rate schedules used by
// the training driver.
package schedule

import "github.com/chewxy/math32"

// Cosine decays a learning-rate multiplier from 1.0 at epoch 0 down to Floor
// by the last epoch, following half a cosine period:
//
//	multiplier(e) = ((1 + cos(e·π/Epochs)) / 2) · (1 − Floor) + Floor
//
// See "Bag of Tricks for Image Classification" (https://arxiv.org/pdf/1812.01187.pdf).
type Cosine struct {
	// Epochs is the total number of training epochs.
	Epochs int

	// Floor is the final fraction of the base learning rate, in [0, 1].
	Floor float32
}

// Multiplier returns the learning-rate multiplier for the given epoch.
// It is monotonically non-increasing over [0, Epochs].
func (c Cosine) Multiplier(epoch int) float32 {
	phase := float32(epoch) * math32.Pi / float32(c.Epochs)
	return (1+math32.Cos(phase))/2*(1-c.Floor) + c.Floor
}
