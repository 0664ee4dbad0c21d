package optimizer

import (
	"math"
	"sync"
)

// Adjuster proposes the next parameter set by hill climbing: every
// parameter moves by its step each cycle, and when the score falls below
// the previous cycle's the step reverses and halves.
type Adjuster struct {
	initialStep float64
	minStep     float64

	mu    sync.Mutex
	state map[string]*climb
}

type climb struct {
	lastScore float64
	steps     map[string]float64
}

// NewAdjuster moves parameters by initialStep times max(|value|, 1) and
// never lets a step shrink below minStep in magnitude.
func NewAdjuster(initialStep, minStep float64) *Adjuster {
	if initialStep <= 0 {
		initialStep = 0.05
	}
	if minStep <= 0 {
		minStep = 0.001
	}
	return &Adjuster{initialStep: initialStep, minStep: minStep, state: make(map[string]*climb)}
}

// Next returns the parameters to try after observing score with params.
func (a *Adjuster) Next(strategyID string, params map[string]float64, score float64) map[string]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, ok := a.state[strategyID]
	if !ok {
		c = &climb{lastScore: score, steps: make(map[string]float64, len(params))}
		a.state[strategyID] = c
	} else if score < c.lastScore {
		for k, step := range c.steps {
			next := -step / 2
			if math.Abs(next) < a.minStep {
				next = math.Copysign(a.minStep, next)
			}
			c.steps[k] = next
		}
	}
	c.lastScore = score

	out := make(map[string]float64, len(params))
	for k, v := range params {
		step, ok := c.steps[k]
		if !ok {
			step = a.initialStep
			c.steps[k] = step
		}
		out[k] = v + step*math.Max(math.Abs(v), 1)
	}
	return out
}

// Forget drops the climbing state of a strategy.
func (a *Adjuster) Forget(strategyID string) {
	a.mu.Lock()
	delete(a.state, strategyID)
	a.mu.Unlock()
}
