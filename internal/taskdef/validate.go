package taskdef

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Same parser the scheduler registers with, so a schedule that validates here
// cannot fail at registration time.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// validateTasks checks the whole set. First violation wins; the caller treats
// any error as fatal (reject the whole load, never a partial set).
func validateTasks(tasks []Task) error {
	ids := make(map[string]struct{}, len(tasks))
	for i, t := range tasks {
		if err := validateTask(t); err != nil {
			return err
		}
		if _, dup := ids[t.ID]; dup {
			return fmt.Errorf("task %q (index %d): %w", t.ID, i, ErrDuplicateID)
		}
		ids[t.ID] = struct{}{}
	}

	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("task %q depends on %q: %w", t.ID, dep, ErrUnknownDependency)
			}
		}
	}

	return checkCycles(tasks)
}

func validateTask(t Task) error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: id required", ErrInvalidDescriptor)
	}
	if strings.TrimSpace(t.Agent) == "" {
		return fmt.Errorf("task %q: %w: agent required", t.ID, ErrInvalidDescriptor)
	}

	switch t.Kind {
	case KindScheduled:
		if strings.TrimSpace(t.Schedule) == "" {
			return fmt.Errorf("task %q: %w: schedule required for kind=scheduled", t.ID, ErrInvalidDescriptor)
		}
		if strings.TrimSpace(t.TriggerEvent) != "" {
			return fmt.Errorf("task %q: %w: triggerEvent not allowed for kind=scheduled", t.ID, ErrInvalidDescriptor)
		}
		spec, err := ParseSchedule(t.Schedule)
		if err != nil {
			return fmt.Errorf("task %q: %w: %v", t.ID, ErrInvalidDescriptor, err)
		}
		if spec.Kind == SpecCron {
			if _, err := cronParser.Parse(spec.Cron); err != nil {
				return fmt.Errorf("task %q: %w: invalid cron %q: %v", t.ID, ErrInvalidDescriptor, spec.Cron, err)
			}
		}
	case KindTriggered:
		if strings.TrimSpace(t.TriggerEvent) == "" {
			return fmt.Errorf("task %q: %w: triggerEvent required for kind=triggered", t.ID, ErrInvalidDescriptor)
		}
		if strings.TrimSpace(t.Schedule) != "" {
			return fmt.Errorf("task %q: %w: schedule not allowed for kind=triggered", t.ID, ErrInvalidDescriptor)
		}
	case KindManual:
		if strings.TrimSpace(t.Schedule) != "" || strings.TrimSpace(t.TriggerEvent) != "" {
			return fmt.Errorf("task %q: %w: schedule/triggerEvent not allowed for kind=manual", t.ID, ErrInvalidDescriptor)
		}
	default:
		return fmt.Errorf("task %q: %w: unknown kind %q", t.ID, ErrInvalidDescriptor, t.Kind)
	}

	if t.RetryPolicy.MaxAttempts < 1 {
		return fmt.Errorf("task %q: %w: retryPolicy.maxAttempts must be >= 1", t.ID, ErrInvalidDescriptor)
	}
	if t.RetryPolicy.BackoffSeconds < 0 {
		return fmt.Errorf("task %q: %w: retryPolicy.backoffSeconds must be >= 0", t.ID, ErrInvalidDescriptor)
	}
	return nil
}

// checkCycles rejects dependency cycles with the offending path in the error.
func checkCycles(tasks []Task) error {
	deps := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		deps[t.ID] = t.Dependencies
	}

	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(tasks))

	var path []string
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		path = append(path, id)
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				cycle := append(append([]string{}, path...), dep)
				return fmt.Errorf("%w: %s", ErrCyclicDependency, strings.Join(cycle, " -> "))
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	for _, t := range tasks {
		if color[t.ID] == white {
			if err := visit(t.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
