package executor

import (
	"math"

	"actionplane/internal/protocol"
)

// Point is a screen-space coordinate used by move_mouse interpolation.
type Point struct {
	X, Y int
}

// defaultSteps is used when a move_mouse command omits Steps.
const defaultSteps = 10

// GeneratePath subdivides the segment from..to into steps intermediate
// points (inclusive of the endpoint, exclusive of the start), using the
// given easing curve. Kept as pure Go so the interpolation math is testable
// without a browser; the DOM actuator just dispatches each point.
func GeneratePath(from, to Point, steps int, curve protocol.Curve) []Point {
	if steps <= 0 {
		steps = defaultSteps
	}

	ease := easingFor(curve)
	points := make([]Point, 0, steps)
	for i := 1; i <= steps; i++ {
		t := ease(float64(i) / float64(steps))
		points = append(points, Point{
			X: from.X + int(math.Round(float64(to.X-from.X)*t)),
			Y: from.Y + int(math.Round(float64(to.Y-from.Y)*t)),
		})
	}
	return points
}

func easingFor(curve protocol.Curve) func(float64) float64 {
	switch curve {
	case protocol.CurveEaseInOut:
		return easeInOut
	case protocol.CurveSmoothstep:
		return smoothstep
	default:
		return linear
	}
}

func linear(t float64) float64 { return t }

func easeInOut(t float64) float64 {
	if t < 0.5 {
		return 2 * t * t
	}
	return 1 - pow2(-2*t+2)/2
}

func smoothstep(t float64) float64 {
	return t * t * (3 - 2*t)
}

func pow2(x float64) float64 { return x * x }
