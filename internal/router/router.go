// Package router resolves a task type and its context into the executor
// family, tier, model and command a task will run with. Routing happens
// once, at creation, and never touches the store.
package router

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/imkarma/forge/internal/store"
)

// Tier is the cost/capability class a task is routed to.
type Tier string

const (
	TierLocal     Tier = "local"
	TierEscalated Tier = "escalated"
)

// ModelPlaceholder in a family's args is replaced by the resolved model.
const ModelPlaceholder = "{model}"

// DefaultTimeout applies to families that do not set one.
const DefaultTimeout = 10 * time.Minute

// defaultTiers is the policy table. Every TaskType must have a row;
// TestDefaultTiersCoverAllTypes enforces that.
var defaultTiers = map[store.TaskType]Tier{
	store.TypeDesign:    TierLocal,
	store.TypeImplement: TierLocal,
	store.TypeTest:      TierLocal,
	store.TypeReview:    TierLocal,
	store.TypeHeal:      TierEscalated,
}

// Family is one executor family (a CLI tool) with a model per tier.
type Family struct {
	Name    string
	Cmd     string
	Args    []string
	Models  map[Tier]string
	Timeout time.Duration
}

// Route is the resolved routing for one task.
type Route struct {
	TaskType        store.TaskType `json:"task_type"`
	Executor        string         `json:"executor"`
	Tier            Tier           `json:"tier"`
	Model           string         `json:"model"`
	CommandTemplate []string       `json:"command_template"`
	Command         []string       `json:"command"`
}

// Router holds the executor families. It is safe for concurrent use
// because it is never mutated after New.
type Router struct {
	families        map[string]Family
	defaultExecutor string
}

// New builds a router. defaultExecutor must name one of the families.
func New(families []Family, defaultExecutor string) (*Router, error) {
	if len(families) == 0 {
		return nil, fmt.Errorf("router: no executor families configured")
	}
	r := &Router{families: make(map[string]Family, len(families)), defaultExecutor: defaultExecutor}
	for _, f := range families {
		if f.Name == "" || f.Cmd == "" {
			return nil, fmt.Errorf("router: family needs a name and a cmd")
		}
		if f.Models[TierLocal] == "" || f.Models[TierEscalated] == "" {
			return nil, fmt.Errorf("router: family %s needs a model for both tiers", f.Name)
		}
		if f.Timeout <= 0 {
			f.Timeout = DefaultTimeout
		}
		r.families[f.Name] = f
	}
	if _, ok := r.families[defaultExecutor]; !ok {
		return nil, fmt.Errorf("router: default executor %q is not configured", defaultExecutor)
	}
	return r, nil
}

// DefaultFamilies returns the built-in executor families.
func DefaultFamilies() []Family {
	return []Family{
		{
			Name:    "claude",
			Cmd:     "claude",
			Args:    []string{"--print", "--model", ModelPlaceholder},
			Models:  map[Tier]string{TierLocal: "haiku", TierEscalated: "opus"},
			Timeout: DefaultTimeout,
		},
		{
			Name:    "ollama",
			Cmd:     "ollama",
			Args:    []string{"run", ModelPlaceholder},
			Models:  map[Tier]string{TierLocal: "qwen2.5-coder", TierEscalated: "llama3.1:70b"},
			Timeout: DefaultTimeout,
		},
	}
}

// Route resolves a task. Context keys honored: executor (family),
// escalate (force the escalated tier) and model_override (replace the
// tier's model). Heal tasks are always escalated.
func (r *Router) Route(tt store.TaskType, taskCtx map[string]any) (Route, error) {
	tier, ok := defaultTiers[tt]
	if !ok {
		return Route{}, &store.ValidationError{Field: "task_type", Reason: fmt.Sprintf("unknown task type %q", tt)}
	}

	executor := r.defaultExecutor
	if v, ok := taskCtx[store.CtxExecutor].(string); ok && v != "" {
		executor = v
	}
	fam, ok := r.families[executor]
	if !ok {
		return Route{}, &store.ValidationError{
			Field:  "context.executor",
			Reason: fmt.Sprintf("unknown executor %q (have %s)", executor, strings.Join(r.Executors(), ", ")),
		}
	}

	if escalate, _ := taskCtx[store.CtxEscalate].(bool); escalate {
		tier = TierEscalated
	}

	model := fam.Models[tier]
	if v, ok := taskCtx[store.CtxModelOverride].(string); ok && strings.TrimSpace(v) != "" {
		model = strings.TrimSpace(v)
	}

	template := append([]string{fam.Cmd}, fam.Args...)
	command := make([]string, len(template))
	for i, arg := range template {
		command[i] = strings.ReplaceAll(arg, ModelPlaceholder, model)
	}

	return Route{
		TaskType:        tt,
		Executor:        fam.Name,
		Tier:            tier,
		Model:           model,
		CommandTemplate: template,
		Command:         command,
	}, nil
}

// Lookup is Route for the read-only route endpoint: no context beyond an
// optional executor family.
func (r *Router) Lookup(tt store.TaskType, executor string) (Route, error) {
	taskCtx := map[string]any{}
	if executor != "" {
		taskCtx[store.CtxExecutor] = executor
	}
	return r.Route(tt, taskCtx)
}

// Timeout returns the execution timeout for an executor family.
func (r *Router) Timeout(executor string) time.Duration {
	if f, ok := r.families[executor]; ok {
		return f.Timeout
	}
	return DefaultTimeout
}

// TimeoutFor returns the execution timeout for a task, keyed by the
// command it was routed to.
func (r *Router) TimeoutFor(t *store.Task) time.Duration {
	if name := t.ContextString(store.CtxExecutor); name != "" {
		return r.Timeout(name)
	}
	if len(t.Command) > 0 {
		for _, f := range r.families {
			if f.Cmd == t.Command[0] {
				return f.Timeout
			}
		}
	}
	return r.Timeout(r.defaultExecutor)
}

// Executors lists the configured family names, sorted.
func (r *Router) Executors() []string {
	names := make([]string, 0, len(r.families))
	for name := range r.families {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
