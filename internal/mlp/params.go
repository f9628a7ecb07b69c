package mlp

import (
	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"

	"github.com/hcmsuper/dlc-bl-testing/internal/parameters"
)

// ApplyParams overwrites the model's context hyperparameters with values from
// params (typically parsed from the --hparams flag). Keys that don't name a
// known hyperparameter are an error.
func (c *Classifier) ApplyParams(params parameters.Params) error {
	ctx := c.ctx
	var err error
	ctx.EnumerateParams(func(scope, key string, valueAny any) {
		if err != nil {
			// If error happened skip the rest.
			return
		}
		if scope != context.RootScope {
			return
		}
		switch defaultValue := valueAny.(type) {
		case string:
			value, _ := parameters.PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case int:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing hyperparameter %q (int)", key)
				return
			}
			ctx.SetParam(key, value)
		case float64:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing hyperparameter %q (float64)", key)
				return
			}
			ctx.SetParam(key, value)
		case float32:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing hyperparameter %q (float32)", key)
				return
			}
			ctx.SetParam(key, value)
		case bool:
			value, newErr := parameters.PopParamOr(params, key, defaultValue)
			if newErr != nil {
				err = errors.WithMessagef(newErr, "parsing hyperparameter %q (bool)", key)
				return
			}
			ctx.SetParam(key, value)
		default:
			err = errors.Errorf("hyperparameter %q is of unknown type %T", key, defaultValue)
		}
	})
	if err != nil {
		return err
	}
	if unused := params.Unused(); len(unused) > 0 {
		return errors.Errorf("unknown hyperparameters: %q", unused)
	}
	return nil
}
