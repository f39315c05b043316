// Package validator performs structural, semantic, and capability checks on
// workflow definitions before they are persisted or executed.
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/vectormesh/vectormesh/internal/common/logger"
	v1 "github.com/vectormesh/vectormesh/pkg/api/v1"
)

// ResourceLookup resolves tenant-owned resources referenced by activities.
type ResourceLookup interface {
	AggregatorInstance(ctx context.Context, id, tenantID string) (*v1.AggregatorInstance, error)
}

// Result is the outcome of validating a definition. Errors make the
// definition unusable; warnings are tolerated so draft authoring stays
// permissive.
type Result struct {
	Valid               bool     `json:"valid"`
	Errors              []string `json:"errors"`
	Warnings            []string `json:"warnings"`
	ActivitiesChecked   int      `json:"activities_checked"`
	AggregatorsVerified []string `json:"aggregators_verified"`
}

// Validator checks workflow definitions. All failing rules contribute
// errors; validation never stops at the first failure.
type Validator struct {
	resources ResourceLookup
	logger    *logger.Logger
	cronSpec  cron.Parser
}

// New creates a validator. resources may be nil, in which case resource
// existence checks are skipped (structural validation only).
func New(resources ResourceLookup, log *logger.Logger) *Validator {
	return &Validator{
		resources: resources,
		logger:    log.WithFields(),
		cronSpec:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.SecondOptional),
	}
}

// Validate applies all rules to the definition and returns the aggregate
// result.
func (v *Validator) Validate(ctx context.Context, tenantID string, def *v1.Definition) *Result {
	res := &Result{Errors: []string{}, Warnings: []string{}, AggregatorsVerified: []string{}}

	if def.Activities == nil {
		res.Errors = append(res.Errors, "definition must contain an activities list")
	}
	if def.Steps == nil {
		res.Errors = append(res.Errors, "definition must contain a steps list")
	}

	activitiesByID := map[string]*v1.Activity{}
	for i := range def.Activities {
		a := &def.Activities[i]
		if a.ID == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("activity at index %d has no id", i))
			continue
		}
		if _, dup := activitiesByID[a.ID]; dup {
			res.Errors = append(res.Errors, fmt.Sprintf("duplicate activity id %q", a.ID))
			continue
		}
		activitiesByID[a.ID] = a
	}

	stepsByID := map[string]*v1.Step{}
	referencedActivities := map[string]bool{}
	for i := range def.Steps {
		s := &def.Steps[i]
		if s.ID == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("step at index %d has no id", i))
			continue
		}
		if _, dup := stepsByID[s.ID]; dup {
			res.Errors = append(res.Errors, fmt.Sprintf("duplicate step id %q", s.ID))
			continue
		}
		stepsByID[s.ID] = s

		if _, ok := activitiesByID[s.ActivityID]; !ok {
			res.Errors = append(res.Errors, fmt.Sprintf("step %q references unknown activity %q", s.ID, s.ActivityID))
		} else {
			referencedActivities[s.ActivityID] = true
		}
	}

	// Unreferenced activities are a warning, not an error, so that draft
	// definitions can be saved while still being authored.
	for id := range activitiesByID {
		if !referencedActivities[id] {
			res.Warnings = append(res.Warnings, fmt.Sprintf("activity %q is not referenced by any step", id))
		}
	}

	for _, s := range def.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := stepsByID[dep]; !ok {
				res.Errors = append(res.Errors, fmt.Sprintf("step %q depends on unknown step %q", s.ID, dep))
			}
		}
	}

	if cycleStep, found := detectCycle(def.Steps); found {
		res.Errors = append(res.Errors, fmt.Sprintf("Circular dependency detected involving step %q", cycleStep))
	}

	for i := range def.Activities {
		a := &def.Activities[i]
		if a.ID == "" {
			continue
		}
		res.ActivitiesChecked++
		v.checkActivityConfig(ctx, tenantID, a, res)
	}

	if def.Schedule != "" {
		v.checkSchedule(def.Schedule, res)
	}

	res.Valid = len(res.Errors) == 0
	return res
}

// checkActivityConfig verifies the kind-specific config shape and, where the
// config names an aggregator instance, its existence and tenant ownership.
func (v *Validator) checkActivityConfig(ctx context.Context, tenantID string, a *v1.Activity, res *Result) {
	if !v1.ValidActivityType(a.Type) {
		res.Errors = append(res.Errors, fmt.Sprintf("activity %q has unknown type %q", a.ID, a.Type))
		return
	}

	switch a.Type {
	case v1.ActivityTypeExtract:
		var cfg v1.ExtractConfig
		if !decodeConfig(a, &cfg, res) {
			return
		}
		if cfg.AggregatorInstanceID == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("extract activity %q requires aggregatorInstanceId", a.ID))
		}
		if cfg.Table == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("extract activity %q requires a table", a.ID))
		}
		v.verifyAggregator(ctx, tenantID, a, cfg.AggregatorInstanceID, false, res)

	case v1.ActivityTypeTransform:
		var cfg v1.TransformConfig
		if !decodeConfig(a, &cfg, res) {
			return
		}
		if strings.TrimSpace(cfg.Code) == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("transform activity %q requires code", a.ID))
		}

	case v1.ActivityTypeLoad, v1.ActivityTypeCloudConnectorSink:
		var cfg v1.LoadConfig
		if !decodeConfig(a, &cfg, res) {
			return
		}
		if cfg.AggregatorInstanceID == "" && cfg.SDKID == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("load activity %q requires aggregatorInstanceId or sdkId", a.ID))
		}
		switch cfg.Mode {
		case v1.LoadModeInsert, v1.LoadModeUpsert, v1.LoadModeCreate:
		case "":
			res.Errors = append(res.Errors, fmt.Sprintf("load activity %q requires a mode", a.ID))
		default:
			res.Errors = append(res.Errors, fmt.Sprintf("load activity %q has invalid mode %q", a.ID, cfg.Mode))
		}
		v.verifyAggregator(ctx, tenantID, a, cfg.AggregatorInstanceID, true, res)

	case v1.ActivityTypeFilter:
		var cfg v1.FilterConfig
		if !decodeConfig(a, &cfg, res) {
			return
		}
		if strings.TrimSpace(cfg.Condition) == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("filter activity %q requires a condition", a.ID))
		}

	case v1.ActivityTypeJoin:
		var cfg v1.JoinConfig
		if !decodeConfig(a, &cfg, res) {
			return
		}
		if cfg.LeftActivityID == "" || cfg.RightActivityID == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("join activity %q requires leftActivityId and rightActivityId", a.ID))
		}
		if cfg.JoinKey == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("join activity %q requires a joinKey", a.ID))
		}
		switch cfg.Type {
		case v1.JoinInner, v1.JoinLeft, v1.JoinRight, v1.JoinFull:
		default:
			res.Errors = append(res.Errors, fmt.Sprintf("join activity %q has invalid join type %q", a.ID, cfg.Type))
		}

	case v1.ActivityTypeMiniConnectorSource, v1.ActivityTypeCloudConnectorSource:
		var cfg v1.MiniConnectorSourceConfig
		if !decodeConfig(a, &cfg, res) {
			return
		}
		if cfg.ConnectorID == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("connector source activity %q requires connectorId", a.ID))
		}
		if cfg.Table == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("connector source activity %q requires a table", a.ID))
		}
	}
}

// verifyAggregator resolves the instance and checks tenant ownership. For
// load-type activities a missing write capability downgrades to a warning.
func (v *Validator) verifyAggregator(ctx context.Context, tenantID string, a *v1.Activity, instanceID string, requireWrite bool, res *Result) {
	if v.resources == nil || instanceID == "" {
		return
	}
	inst, err := v.resources.AggregatorInstance(ctx, instanceID, tenantID)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("activity %q references aggregator instance %q which does not exist or is not owned by the tenant", a.ID, instanceID))
		return
	}
	res.AggregatorsVerified = append(res.AggregatorsVerified, inst.ID)
	if requireWrite && !inst.HasCapability("write") {
		res.Warnings = append(res.Warnings, fmt.Sprintf("aggregator instance %q does not declare the write capability required by load activity %q", instanceID, a.ID))
	}
}

// checkSchedule validates a cron expression: 5 or 6 whitespace-separated
// fields that the parser accepts.
func (v *Validator) checkSchedule(expr string, res *Result) {
	fields := strings.Fields(expr)
	if len(fields) != 5 && len(fields) != 6 {
		res.Errors = append(res.Errors, fmt.Sprintf("schedule %q must have 5 or 6 fields, got %d", expr, len(fields)))
		return
	}
	if _, err := v.cronSpec.Parse(expr); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("schedule %q is not a valid cron expression: %v", expr, err))
	}
}

func decodeConfig(a *v1.Activity, target any, res *Result) bool {
	if len(a.Config) == 0 {
		res.Errors = append(res.Errors, fmt.Sprintf("activity %q has no config", a.ID))
		return false
	}
	dec := json.NewDecoder(strings.NewReader(string(a.Config)))
	if err := dec.Decode(target); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("activity %q has malformed config: %v", a.ID, err))
		return false
	}
	return true
}

// detectCycle runs DFS colouring over the step graph and returns the step at
// which recursion closed, if any back-edge exists.
func detectCycle(steps []v1.Step) (string, bool) {
	const (
		white = 0 // unvisited
		grey  = 1 // on the current DFS path
		black = 2 // fully explored
	)

	adjacent := map[string][]string{}
	colour := map[string]int{}
	for _, s := range steps {
		adjacent[s.ID] = s.DependsOn
		colour[s.ID] = white
	}

	var visit func(id string) (string, bool)
	visit = func(id string) (string, bool) {
		colour[id] = grey
		for _, dep := range adjacent[id] {
			switch colour[dep] {
			case grey:
				return dep, true
			case white:
				if _, ok := adjacent[dep]; !ok {
					continue // dangling reference, reported separately
				}
				if at, found := visit(dep); found {
					return at, true
				}
			}
		}
		colour[id] = black
		return "", false
	}

	for _, s := range steps {
		if colour[s.ID] == white {
			if at, found := visit(s.ID); found {
				return at, true
			}
		}
	}
	return "", false
}
