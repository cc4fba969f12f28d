package assurance

import "context"

// RunFunc executes one trace and reports its result, used by Minimize so
// it stays decoupled from any one Driver's lifecycle.
type RunFunc func(ctx context.Context, t Trace) RunResult

// Minimize reduces a failing trace to a smaller one that still fails,
// via delta-debugging: repeatedly try removing chunks of steps (halving
// chunk size each pass, matching the classic ddmin algorithm) and keep
// the removal if the reduced trace still reproduces a violation.
func Minimize(ctx context.Context, t Trace, run RunFunc) Trace {
	steps := append([]Step(nil), t.Steps...)

	chunkSize := len(steps) / 2
	for chunkSize > 0 {
		reduced := false
		for start := 0; start < len(steps); start += chunkSize {
			end := start + chunkSize
			if end > len(steps) {
				end = len(steps)
			}
			candidate := make([]Step, 0, len(steps)-(end-start))
			candidate = append(candidate, steps[:start]...)
			candidate = append(candidate, steps[end:]...)
			if len(candidate) == len(steps) {
				continue
			}

			res := run(ctx, Trace{Seed: t.Seed, Steps: candidate})
			if !res.Clean() {
				steps = candidate
				reduced = true
				break
			}
		}
		if !reduced {
			chunkSize /= 2
		}
	}
	return Trace{Seed: t.Seed, Steps: steps}
}
