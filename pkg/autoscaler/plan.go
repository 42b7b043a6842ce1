package autoscaler

import "github.com/psantana5/recogpool/pkg/models"

// Decision is the outcome of one planning step
type Decision struct {
	Action   models.ScaleAction
	Required int
	Start    []string
	Stop     []string
}

// Plan decides which instances to start or stop from one observation.
//
// An empty queue stops every running instance. A non-empty queue wants
// min(depth, max) running and starts the shortfall from stopped in list
// order. Running instances are never trimmed while work is queued, except
// those above max when the ceiling was lowered.
func Plan(depth int, running, stopped []string, max int) Decision {
	if max < 0 {
		max = 0
	}

	if depth <= 0 {
		if len(running) == 0 {
			return Decision{Action: models.ScaleNone}
		}
		return Decision{Action: models.ScaleDown, Stop: append([]string(nil), running...)}
	}

	if len(running) > max {
		return Decision{
			Action:   models.ScaleDown,
			Required: max,
			Stop:     append([]string(nil), running[max:]...),
		}
	}

	required := depth
	if required > max {
		required = max
	}
	d := Decision{Action: models.ScaleNone, Required: required}

	need := required - len(running)
	if need <= 0 {
		return d
	}
	if need > len(stopped) {
		need = len(stopped)
	}
	if need == 0 {
		return d
	}
	d.Action = models.ScaleUp
	d.Start = append([]string(nil), stopped[:need]...)
	return d
}
