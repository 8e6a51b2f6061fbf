package main

import (
	"errors"
	"testing"

	"github.com/m-lab/trafficmon/pkg/trafficmon/model"
)

func Test_exitCode(t *testing.T) {
	tests := []struct {
		name   string
		result *model.RunResult
		err    error
		want   int
	}{
		{
			name:   "pass",
			result: &model.RunResult{State: model.StateCompleted, Intervals: 2, Passed: 2},
			want:   exitPass,
		},
		{
			name:   "fail",
			result: &model.RunResult{State: model.StateCompleted, Intervals: 2, Passed: 1},
			want:   exitFail,
		},
		{
			name:   "no-intervals",
			result: &model.RunResult{State: model.StateCompleted},
			want:   exitFail,
		},
		{
			name:   "canceled",
			result: &model.RunResult{State: model.StateCompleted, Canceled: true},
			want:   exitCanceled,
		},
		{
			name:   "fatal",
			result: &model.RunResult{State: model.StateFailedFatal},
			err:    errors.New("snapshot unavailable"),
			want:   exitFatal,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.result, tt.err); got != tt.want {
				t.Errorf("exitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}
