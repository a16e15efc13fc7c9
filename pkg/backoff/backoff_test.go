package backoff_test

import (
	"testing"
	"time"

	"github.com/Tryliate/Tryliate-sub001/pkg/backoff"
	"github.com/stretchr/testify/assert"
)

func TestStrategies(t *testing.T) {
	tests := []struct {
		name     string
		strategy backoff.Strategy
		attempt  int
		expected time.Duration
	}{
		{"constant", backoff.NewConstant(5 * time.Second), 7, 5 * time.Second},
		{"linear", backoff.NewLinear(time.Second, 10*time.Second), 3, 3 * time.Second},
		{"linear capped", backoff.NewLinear(time.Second, 10*time.Second), 30, 10 * time.Second},
		{"exponential first", backoff.NewExponential(time.Second, time.Minute), 1, time.Second},
		{"exponential third", backoff.NewExponential(time.Second, time.Minute), 3, 4 * time.Second},
		{"exponential capped", backoff.NewExponential(time.Second, time.Minute), 20, time.Minute},
		{"default", backoff.DefaultStrategy(), 1, 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.strategy.Delay(tt.attempt))
		})
	}
}

func TestExponentialWithJitterBounds(t *testing.T) {
	s := backoff.NewExponentialWithJitter(100*time.Millisecond, time.Second)
	for i := 0; i < 100; i++ {
		d := s.Delay(3)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 400*time.Millisecond)
	}
}
