// Package runner spawns and stops simulated users.
//
// A [Local] runner executes every user in the current process. Callers build
// an [Environment] holding the user classes, the event bus and the request
// statistics, then drive the runner directly:
//
//	env := runner.NewEnvironment(runner.Environment{
//		UserClasses: []*task.UserClass{browse, checkout},
//		Logger:      logger,
//	})
//	r := runner.NewLocal(env)
//	if err := r.Start(100, 10); err != nil {
//		return err
//	}
//	defer r.Quit()
//
// Start reconciles towards the requested population: classes receive users
// in proportion to their weights (see [Distribute]) and transitions are
// paced at the spawn rate. Calling Start again while users are running only
// adds or removes the difference.
//
// # Load shapes
//
// A [ShapeController] polls a [shape.Shape] once a second and calls Start
// whenever the target changes, stopping the run when the shape is
// exhausted.
//
// # Outcome
//
// [Outcome.ExitCode] maps the failures, task errors and aborted users of a
// finished run to a process exit code.
package runner
