package policy

import (
	"fmt"

	"steward/internal/config"
)

// Level is a project's autonomy trust ceiling, ordered monitoring < artefact < tactical.
type Level string

const (
	LevelMonitoring Level = "monitoring"
	LevelArtefact   Level = "artefact"
	LevelTactical   Level = "tactical"
)

// Rank returns the ordering position of the level, or -1 if unknown.
func (l Level) Rank() int {
	switch l {
	case LevelMonitoring:
		return 0
	case LevelArtefact:
		return 1
	case LevelTactical:
		return 2
	default:
		return -1
	}
}

func (l Level) Valid() bool { return l.Rank() >= 0 }

// Category is the static boundary classification of an action type.
type Category string

const (
	CategoryAutoExecute     Category = "autoExecute"
	CategoryHoldQueue       Category = "requireHoldQueue"
	CategoryRequireApproval Category = "requireApproval"
	CategoryNeverDo         Category = "neverDo"
	// CategoryNone marks an action type that appears in no boundary list.
	CategoryNone Category = "none"
)

// Verdict is the outcome of classifying one action type at one autonomy level.
type Verdict struct {
	Allowed           bool
	Category          Category
	RequiresHoldQueue bool
	RequiresApproval  bool
	Reason            string
}

// Classifier maps action types to boundary categories and allow/deny
// decisions. It is an immutable value built from configuration: no state,
// no I/O, safe for concurrent use.
type Classifier struct {
	categories map[string]Category
	allowed    map[Level]map[string]bool
}

// NewClassifier builds a classifier from the autonomy section of a config.
func NewClassifier(cfg *config.Config) Classifier {
	categories := map[string]Category{}
	for _, actionType := range cfg.Autonomy.Boundaries.AutoExecute {
		categories[actionType] = CategoryAutoExecute
	}
	for _, actionType := range cfg.Autonomy.Boundaries.HoldQueue {
		categories[actionType] = CategoryHoldQueue
	}
	for _, actionType := range cfg.Autonomy.Boundaries.RequireApproval {
		categories[actionType] = CategoryRequireApproval
	}
	for _, actionType := range cfg.Autonomy.Boundaries.NeverDo {
		categories[actionType] = CategoryNeverDo
	}
	allowed := map[Level]map[string]bool{}
	for level, actionTypes := range cfg.Autonomy.Levels {
		set := make(map[string]bool, len(actionTypes))
		for _, actionType := range actionTypes {
			set[actionType] = true
		}
		allowed[Level(level)] = set
	}
	return Classifier{categories: categories, allowed: allowed}
}

// Category returns the boundary category for an action type.
func (c Classifier) Category(actionType string) Category {
	if cat, ok := c.categories[actionType]; ok {
		return cat
	}
	return CategoryNone
}

// Classify evaluates an action type against an autonomy level. Evaluation
// order is fixed and each step is terminal; the neverDo check is
// unconditional and overrides every other signal, including dry-run.
func (c Classifier) Classify(actionType string, level Level) Verdict {
	category := c.Category(actionType)

	if category == CategoryNeverDo {
		return Verdict{
			Allowed:  false,
			Category: CategoryNeverDo,
			Reason:   fmt.Sprintf("action %q is permanently prohibited and can never run", actionType),
		}
	}

	if category == CategoryRequireApproval {
		return Verdict{
			Allowed:          false,
			Category:         CategoryRequireApproval,
			RequiresApproval: true,
			Reason:           fmt.Sprintf("action %q requires explicit human approval at every autonomy level", actionType),
		}
	}

	if !c.allowed[level][actionType] {
		return Verdict{
			Allowed:  false,
			Category: category,
			Reason:   fmt.Sprintf("action %q is not permitted at autonomy level %q", actionType, level),
		}
	}

	if category == CategoryHoldQueue {
		return Verdict{
			Allowed:           true,
			Category:          CategoryHoldQueue,
			RequiresHoldQueue: true,
			Reason:            fmt.Sprintf("action %q executes after a hold period unless approved or cancelled", actionType),
		}
	}

	return Verdict{Allowed: true, Category: CategoryAutoExecute}
}
