package runner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/torosent/swarmfire/internal/shape"
)

// ShapeController drives a runner from a load shape, re-reading the target
// once per Interval until the shape is exhausted.
type ShapeController struct {
	Runner   Runner
	Shape    shape.Shape
	Interval time.Duration
	Logger   *zap.Logger
}

// Run blocks until the shape ends (the runner is then stopped), the runner
// leaves the active states or ctx is done.
func (c *ShapeController) Run(ctx context.Context) error {
	interval := c.Interval
	if interval <= 0 {
		interval = time.Second
	}
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c.Shape.Reset()

	var last shape.Target
	started := false
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if started && !c.Runner.State().Active() {
			return nil
		}
		target, ok := c.Shape.Tick()
		if !ok {
			logger.Info("load shape finished, stopping")
			c.Runner.Stop()
			return nil
		}
		if !started || target != last {
			logger.Info("load shape target changed",
				zap.Int("users", target.Users),
				zap.Float64("spawn_rate", target.SpawnRate))
			if err := c.Runner.Start(target.Users, target.SpawnRate); err != nil {
				return err
			}
			last = target
			started = true
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
