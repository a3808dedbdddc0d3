// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"sync"

	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"

	"github.com/gomlx/distckpt/pkg/checkpoints"
	"github.com/gomlx/distckpt/pkg/core/distributed"
	"github.com/gomlx/distckpt/pkg/evaluation"
	"github.com/gomlx/distckpt/pkg/trees"
)

// Metrics of the model parameters held by one process.
type Metrics struct {
	Step int64

	// Loss is the mean of (param-targetValue)^2/2.
	Loss float64

	// Norm is the L2 norm of the parameters.
	Norm float64
}

// localValues returns the values of the local shards of t. Replicated shards are repeated.
func localValues(t *distributed.Tensor) ([]float64, error) {
	var values []float64
	for _, device := range t.LocalDevices() {
		shardValues, err := t.Shard(device).ToFloat64s()
		if err != nil {
			return nil, err
		}
		values = append(values, shardValues...)
	}
	return values, nil
}

// computeMetrics of the model parameters of state.
func computeMetrics(state checkpoints.State, step int64) (Metrics, error) {
	var params []float64
	for _, param := range trees.Flatten(state.MdlVars) {
		values, err := localValues(param)
		if err != nil {
			return Metrics{}, err
		}
		params = append(params, values...)
	}
	metrics := Metrics{Step: step}
	if len(params) == 0 {
		return metrics, nil
	}
	metrics.Norm = floats.Norm(params, 2)
	diff := make([]float64, len(params))
	for ii := range diff {
		diff[ii] = targetValue
	}
	dist := floats.Distance(params, diff, 2)
	metrics.Loss = dist * dist / 2 / float64(len(params))
	return metrics, nil
}

// metricsEvaluator logs the metrics of each checkpoint evaluated, and keeps their history.
type metricsEvaluator struct {
	processIndex int

	mu      sync.Mutex
	history []Metrics
}

var _ evaluation.Evaluator = (*metricsEvaluator)(nil)

// Evaluate implements evaluation.Evaluator.
func (e *metricsEvaluator) Evaluate(_ context.Context, state checkpoints.State, step int64) error {
	metrics, err := computeMetrics(state, step)
	if err != nil {
		return err
	}
	klog.Infof("process #%d: step %d: loss=%.4g, |params|=%.4g", e.processIndex, step, metrics.Loss, metrics.Norm)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, metrics)
	return nil
}

// History of the metrics of the checkpoints evaluated so far.
func (e *metricsEvaluator) History() []Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Metrics(nil), e.history...)
}

// paramsDecoder outputs the mean value of each parameter.
type paramsDecoder struct{}

var _ evaluation.Decoder = paramsDecoder{}

func (paramsDecoder) Name() string { return "params" }

// Decode implements evaluation.Decoder.
func (paramsDecoder) Decode(_ context.Context, state checkpoints.State, _ int64) ([]evaluation.KeyValue, error) {
	addresses, err := checkpoints.Addresses(state)
	if err != nil {
		return nil, err
	}
	names := trees.Flatten(addresses.MdlVars)
	params := trees.Flatten(state.MdlVars)
	outputs := make([]evaluation.KeyValue, 0, len(params))
	for ii, param := range params {
		values, err := localValues(param)
		if err != nil {
			return nil, err
		}
		var mean float64
		if len(values) > 0 {
			mean = floats.Sum(values) / float64(len(values))
		}
		outputs = append(outputs, evaluation.KeyValue{Key: names[ii], Value: mean})
	}
	return outputs, nil
}
