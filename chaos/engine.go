// chaos/engine.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"libralend/internal/circulation"
	"libralend/internal/clock"
	"libralend/internal/inventory"
	"libralend/internal/membership"
	"libralend/internal/store"
)

var ErrSteadyStateInvalid = errors.New("steady state invalid - aborting experiment")

// ChaosExperiment defines a chaos engineering test
type ChaosExperiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Metric
	Method      []Action
	Rollback    []Action
	Validation  []Assertion
	Duration    time.Duration
	BlastRadius float64 // 0.0 to 1.0 (share of the seeded fixtures touched)
}

// Metric defines a measurable system property
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

// Action is a fault injection or recovery step
type Action struct {
	Type       string // concurrent-borrow, reservation-storm, concurrent-sweep
	Target     string
	Parameters map[string]interface{}
	Execute    func(context.Context) error
}

// Assertion validates experiment outcome
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

// ExperimentResult captures experiment execution data
type ExperimentResult struct {
	ExperimentName   string                 `json:"experiment_name"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	Duration         time.Duration          `json:"duration"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	Violations       []MetricViolation      `json:"violations"`
	Observations     map[string][]DataPoint `json:"observations"`
	ErrorEvents      []ErrorEvent           `json:"error_events"`
	FailedAssertions []string               `json:"failed_assertions,omitempty"`
	MTTR             *time.Duration         `json:"mttr,omitempty"`
}

type MetricViolation struct {
	MetricName string    `json:"metric_name"`
	Expected   float64   `json:"expected"`
	Actual     float64   `json:"actual"`
	Timestamp  time.Time `json:"timestamp"`
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

// ChaosEngine runs experiments against a lending coordinator. It owns the
// clock so experiments can move time, and it remembers every title and
// member it seeded so invariants can be checked across all of them.
type ChaosEngine struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	store   store.Store
	clock   *clock.Manual
	service circulation.Service

	// SampleInterval is how often steady-state metrics are sampled while an
	// experiment runs. Pause separates the experiments of a game day.
	SampleInterval time.Duration
	Pause          time.Duration

	mu          sync.Mutex
	experiments []ChaosExperiment
	results     []ExperimentResult
	titles      []uuid.UUID
	members     []uuid.UUID
}

func NewChaosEngine(st store.Store, clk *clock.Manual, logger *slog.Logger) *ChaosEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChaosEngine{
		tracer:         otel.Tracer("libralend/chaos"),
		logger:         logger,
		store:          st,
		clock:          clk,
		service:        circulation.NewService(st, clk, logger),
		SampleInterval: time.Second,
		Pause:          30 * time.Second,
		experiments:    make([]ChaosExperiment, 0),
		results:        make([]ExperimentResult, 0),
	}
}

// RegisterExperiment adds an experiment to the test suite
func (ce *ChaosEngine) RegisterExperiment(exp ChaosExperiment) {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	ce.experiments = append(ce.experiments, exp)
}

// GetExperiments returns the list of registered experiments.
func (ce *ChaosEngine) GetExperiments() []ChaosExperiment {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	return append([]ChaosExperiment(nil), ce.experiments...)
}

// Results returns every finished experiment in run order.
func (ce *ChaosEngine) Results() []ExperimentResult {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	return append([]ExperimentResult(nil), ce.results...)
}

func (ce *ChaosEngine) seedTitle(ctx context.Context, name string, copies int) (*inventory.Title, error) {
	t := inventory.NewTitle(uuid.New(), name, copies)
	if err := ce.store.UpsertTitle(ctx, t); err != nil {
		return nil, fmt.Errorf("seed title %q: %w", name, err)
	}
	ce.mu.Lock()
	ce.titles = append(ce.titles, t.ID)
	ce.mu.Unlock()
	return t, nil
}

func (ce *ChaosEngine) seedMembers(ctx context.Context, prefix string, n int) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, n)
	for i := 0; i < n; i++ {
		m := membership.NewMember(uuid.New(), fmt.Sprintf("%s-%d", prefix, i+1), membership.TierStandard)
		if err := ce.store.UpsertMember(ctx, m); err != nil {
			return nil, fmt.Errorf("seed member: %w", err)
		}
		ids = append(ids, m.ID)
	}
	ce.mu.Lock()
	ce.members = append(ce.members, ids...)
	ce.mu.Unlock()
	return ids, nil
}

// RunExperiment executes a single chaos experiment
func (ce *ChaosEngine) RunExperiment(ctx context.Context, exp ChaosExperiment) (*ExperimentResult, error) {
	ctx, span := ce.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(
			attribute.String("experiment.name", exp.Name),
		),
	)
	defer span.End()

	result := &ExperimentResult{
		ExperimentName: exp.Name,
		StartTime:      time.Now(),
		Observations:   make(map[string][]DataPoint),
		ErrorEvents:    make([]ErrorEvent, 0),
	}

	// Phase 1: Validate steady state
	span.AddEvent("validating_steady_state")
	if valid, violations := ce.validateSteadyState(ctx, exp.SteadyState); !valid {
		result.SteadyStateValid = false
		result.Violations = violations
		return result, ErrSteadyStateInvalid
	}
	result.SteadyStateValid = true

	// Phase 2: Inject chaos
	span.AddEvent("injecting_chaos")
	for _, action := range exp.Method {
		if err := action.Execute(ctx); err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
				Timestamp: time.Now(),
				Error:     err.Error(),
				Component: action.Target,
			})
			span.RecordError(err)
		}
	}

	// Phase 3: Observe system behavior
	span.AddEvent("observing_system")
	observationCtx, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()

	var recoveryStart time.Time
	recovered := false
	sample := func() {
		for _, metric := range exp.SteadyState {
			value, err := metric.Query(ctx)
			if err != nil {
				result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
					Timestamp: time.Now(),
					Error:     err.Error(),
					Component: metric.Name,
				})
				continue
			}

			result.Observations[metric.Name] = append(
				result.Observations[metric.Name],
				DataPoint{Timestamp: time.Now(), Value: value},
			)

			if !evaluateThreshold(value, metric.Threshold) {
				if recoveryStart.IsZero() {
					recoveryStart = time.Now()
				}
				result.Violations = append(result.Violations, MetricViolation{
					MetricName: metric.Name,
					Expected:   metric.Threshold.Value,
					Actual:     value,
					Timestamp:  time.Now(),
				})
			} else if !recoveryStart.IsZero() && !recovered {
				mttr := time.Since(recoveryStart)
				result.MTTR = &mttr
				recovered = true
			}
		}
	}

	ticker := time.NewTicker(ce.SampleInterval)
	defer ticker.Stop()
observe:
	for {
		select {
		case <-observationCtx.Done():
			break observe
		case <-ticker.C:
			sample()
		}
	}
	// the final sample is what the assertions judge
	sample()

	// Phase 4: Rollback chaos injection
	span.AddEvent("rolling_back")
	for _, action := range exp.Rollback {
		if err := action.Execute(ctx); err != nil {
			span.RecordError(err)
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
				Timestamp: time.Now(),
				Error:     err.Error(),
				Component: action.Target,
			})
		}
	}

	// Phase 5: Validate assertions
	span.AddEvent("validating_assertions")
	result.FailedAssertions = validateAssertions(exp.Validation, result)
	result.HypothesisHeld = len(result.FailedAssertions) == 0
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	ce.mu.Lock()
	ce.results = append(ce.results, *result)
	ce.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)

	return result, nil
}

func (ce *ChaosEngine) validateSteadyState(ctx context.Context, metrics []Metric) (bool, []MetricViolation) {
	violations := make([]MetricViolation, 0)

	for _, metric := range metrics {
		value, err := metric.Query(ctx)
		if err != nil {
			violations = append(violations, MetricViolation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     -1,
				Timestamp:  time.Now(),
			})
			continue
		}

		if !evaluateThreshold(value, metric.Threshold) {
			violations = append(violations, MetricViolation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     value,
				Timestamp:  time.Now(),
			})
		}
	}

	return len(violations) == 0, violations
}

func evaluateThreshold(value float64, threshold Threshold) bool {
	switch threshold.Operator {
	case ">":
		return value > threshold.Value
	case "<":
		return value < threshold.Value
	case ">=":
		return value >= threshold.Value
	case "<=":
		return value <= threshold.Value
	case "==":
		return value == threshold.Value
	default:
		return false
	}
}

// validateAssertions judges the last observation of each asserted metric
// and returns the messages of the assertions that failed.
func validateAssertions(assertions []Assertion, result *ExperimentResult) []string {
	var failed []string
	for _, assertion := range assertions {
		observations := result.Observations[assertion.Metric]
		if len(observations) == 0 {
			failed = append(failed, assertion.Message+" (no observations)")
			continue
		}

		finalValue := observations[len(observations)-1].Value
		if !assertion.Condition(finalValue) {
			failed = append(failed, assertion.Message)
		}
	}
	return failed
}

// GameDay orchestrates a series of chaos experiments.
type GameDay struct {
	Name         string
	Date         time.Time
	Scenarios    []ChaosExperiment
	Participants []string
	Runbooks     map[string]string
}

// ExecuteGameDay runs every scenario and fails when any hypothesis did not
// hold.
func (ce *ChaosEngine) ExecuteGameDay(ctx context.Context, gameDay GameDay) error {
	ctx, span := ce.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(
			attribute.String("gameday.name", gameDay.Name),
		),
	)
	defer span.End()

	ce.logger.InfoContext(ctx, "starting game day",
		"name", gameDay.Name,
		"date", gameDay.Date.Format(time.RFC3339),
		"participants", gameDay.Participants,
	)

	failed := 0
	for i, scenario := range gameDay.Scenarios {
		ce.logger.InfoContext(ctx, "running experiment",
			"index", i+1,
			"of", len(gameDay.Scenarios),
			"experiment", scenario.Name,
			"hypothesis", scenario.Hypothesis,
		)

		result, err := ce.RunExperiment(ctx, scenario)
		if err != nil {
			ce.logger.ErrorContext(ctx, "experiment failed", "experiment", scenario.Name, "error", err.Error())
			failed++
			continue
		}
		ce.logResult(ctx, result)
		if !result.HypothesisHeld {
			failed++
		}

		if i < len(gameDay.Scenarios)-1 && ce.Pause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(ce.Pause):
			}
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d experiments did not hold", failed, len(gameDay.Scenarios))
	}
	return nil
}

func (ce *ChaosEngine) logResult(ctx context.Context, result *ExperimentResult) {
	args := []any{
		"experiment", result.ExperimentName,
		"hypothesis_held", result.HypothesisHeld,
		"violations", len(result.Violations),
		"errors", len(result.ErrorEvents),
		"duration", result.Duration.String(),
	}
	if result.MTTR != nil {
		args = append(args, "mttr", result.MTTR.String())
	}
	if result.HypothesisHeld {
		ce.logger.InfoContext(ctx, "hypothesis held", args...)
		return
	}
	ce.logger.WarnContext(ctx, "hypothesis violated", append(args, "failed_assertions", result.FailedAssertions)...)
	for _, v := range result.Violations {
		ce.logger.WarnContext(ctx, "metric violation",
			"metric", v.MetricName, "expected", v.Expected, "actual", v.Actual)
	}
}
