// Package catalog is the read-only registry of agent types loaded at startup.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"agentline/internal/config"
	"agentline/internal/domain"
)

// ErrNoRecommendation is returned when no agent matches a task and no default agent is configured.
var ErrNoRecommendation = errors.New("no agent type matches the task")

// UnknownAgentTypeError reports a name absent from the catalog.
type UnknownAgentTypeError struct {
	Name  string
	Known []string
}

func (e UnknownAgentTypeError) Error() string {
	return fmt.Sprintf("unknown agent type %q (available: %s)", e.Name, strings.Join(e.Known, ", "))
}

// Registry maps agent-type names to specs. It is never mutated after construction.
type Registry struct {
	specs        map[string]domain.AgentSpec
	names        []string
	defaultAgent string
}

func New(specs map[string]domain.AgentSpec, defaultAgent string) *Registry {
	r := &Registry{specs: make(map[string]domain.AgentSpec, len(specs)), defaultAgent: defaultAgent}
	for name, spec := range specs {
		spec.Name = name
		r.specs[name] = spec
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r
}

// FromConfig builds the registry from the agents section of cfg.
func FromConfig(cfg *config.Config) *Registry {
	if cfg == nil {
		return New(nil, "")
	}
	return New(cfg.AgentSpecs(), cfg.Orchestrator.DefaultAgent)
}

func (r *Registry) Resolve(name string) (domain.AgentSpec, error) {
	spec, ok := r.specs[name]
	if !ok {
		return domain.AgentSpec{}, UnknownAgentTypeError{Name: name, Known: r.Names()}
	}
	return clone(spec), nil
}

func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

func (r *Registry) List() []domain.AgentSpec {
	out := make([]domain.AgentSpec, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, clone(r.specs[name]))
	}
	return out
}

// Recommend picks the agent whose keywords best match the task text.
// Ties go to the cheaper agent, then to the name. The score is the number of matched keywords.
func (r *Registry) Recommend(task string) (domain.AgentSpec, int, error) {
	text := strings.ToLower(task)
	var best domain.AgentSpec
	bestScore := 0
	for _, name := range r.names {
		spec := r.specs[name]
		score := 0
		for _, kw := range spec.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && strings.Contains(text, kw) {
				score++
			}
		}
		if score == 0 {
			continue
		}
		if score > bestScore || (score == bestScore && spec.CostPerTaskUSD < best.CostPerTaskUSD) {
			best, bestScore = spec, score
		}
	}
	if bestScore > 0 {
		return clone(best), bestScore, nil
	}
	if r.defaultAgent != "" {
		if spec, ok := r.specs[r.defaultAgent]; ok {
			return clone(spec), 0, nil
		}
	}
	return domain.AgentSpec{}, 0, ErrNoRecommendation
}

func clone(s domain.AgentSpec) domain.AgentSpec {
	s.Capabilities = append([]string(nil), s.Capabilities...)
	s.Keywords = append([]string(nil), s.Keywords...)
	s.Command = append([]string(nil), s.Command...)
	if s.Env != nil {
		env := make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			env[k] = v
		}
		s.Env = env
	}
	return s
}
