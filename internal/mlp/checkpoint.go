package mlp

import (
	"os"

	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/pkg/errors"
)

// Snapshot persists the current model parameters into dir, replacing any
// previous snapshot there. The directory is cleared first: the checkpoint
// handler attaches to the newest checkpoint of a non-empty directory, which
// would overwrite the live variables before saving.
func (c *Classifier) Snapshot(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "failed to clear checkpoint directory %q", dir)
	}
	checkpoint, err := checkpoints.Build(c.ctx).
		Dir(dir).
		Keep(1).
		Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to build checkpoint at %q", dir)
	}
	if err := checkpoint.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save checkpoint at %q", dir)
	}
	return nil
}

// Load restores model parameters from a checkpoint directory previously
// written by Snapshot. It is an error if dir holds no checkpoint.
func (c *Classifier) Load(dir string) error {
	_, err := checkpoints.Load(c.ctx).
		Dir(dir).
		Immediate().
		Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to load checkpoint from %q", dir)
	}
	return nil
}
