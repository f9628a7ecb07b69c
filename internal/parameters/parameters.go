// Package parameters parses the --hparams flag: a "key=value,key=value"
// string of model hyperparameter overrides, applied on top of the model's
// built-in defaults.
package parameters

import (
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Params holds hyperparameter overrides, still unparsed. Values are popped
// and converted as the model consumes them, so whatever remains afterwards
// names hyperparameters the model doesn't know about.
type Params map[string]string

// NewFromConfigString parses a "key=value,key=value" string. A key without
// "=value" maps to the empty string, which bool parsing reads as true.
// An empty config string yields empty Params.
func NewFromConfigString(config string) Params {
	params := make(Params)
	if config == "" {
		return params
	}
	for _, part := range strings.Split(config, ",") {
		key, value, _ := strings.Cut(part, "=")
		params[key] = value
	}
	return params
}

// Unused returns the keys never popped, sorted. Non-empty after the model
// consumed its hyperparameters means the user misspelled a key.
func (p Params) Unused() []string {
	keys := make([]string, 0, len(p))
	for key := range p {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// PopParamOr is GetParamOr plus removing the key, so that Unused reflects
// only the keys the model never asked for.
func PopParamOr[T interface {
	bool | int | float32 | float64 | string
}](params Params, key string, defaultValue T) (T, error) {
	value, err := GetParamOr(params, key, defaultValue)
	if err != nil {
		return value, err
	}
	delete(params, key)
	return value, nil
}

// GetParamOr converts the value under key to defaultValue's type, or returns
// defaultValue if the key is absent.
//
// An empty value is the type's default, except for bool where a bare key
// means true.
func GetParamOr[T interface {
	bool | int | float32 | float64 | string
}](params Params, key string, defaultValue T) (T, error) {
	raw, exists := params[key]
	if !exists {
		return defaultValue, nil
	}
	toT := func(v any) T { return v.(T) }
	var zero T
	switch any(defaultValue).(type) {
	case string:
		return toT(raw), nil
	case bool:
		if raw == "" {
			return toT(true), nil
		}
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return zero, errors.Wrapf(err, "failed to parse hyperparameter %s=%q as bool", key, raw)
		}
		return toT(parsed), nil
	case int:
		if raw == "" {
			return defaultValue, nil
		}
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return zero, errors.Wrapf(err, "failed to parse hyperparameter %s=%q as int", key, raw)
		}
		return toT(parsed), nil
	case float32:
		if raw == "" {
			return defaultValue, nil
		}
		parsed, err := strconv.ParseFloat(raw, 32)
		if err != nil {
			return zero, errors.Wrapf(err, "failed to parse hyperparameter %s=%q as float", key, raw)
		}
		return toT(float32(parsed)), nil
	case float64:
		if raw == "" {
			return defaultValue, nil
		}
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return zero, errors.Wrapf(err, "failed to parse hyperparameter %s=%q as float", key, raw)
		}
		return toT(parsed), nil
	}
	return defaultValue, nil
}
