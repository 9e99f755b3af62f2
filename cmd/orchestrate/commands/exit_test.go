package commands

import (
	"errors"
	"fmt"
	"testing"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"plain error", errors.New("boom"), 1},
		{"planning failure", planningFailed(errors.New("bad manifest")), 1},
		{"partial run", &exitError{code: 2, err: errors.New("partial")}, 2},
		{"wrapped exit error", fmt.Errorf("deploy: %w", &exitError{code: 2, err: errors.New("partial")}), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}
