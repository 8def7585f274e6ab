// Package service contains the coordination services: the planner and
// dispatcher that turn a task into executor invocations, the per-domain
// run loop, and the supervisor that manages domain-process lifecycle.
package service

import (
	"strings"

	"github.com/agentgrid/agentgrid/internal/core/domain"
)

// Route maps capability keywords onto executor names. A route with no
// Match patterns matches every task, which makes it a catch-all when
// placed last.
type Route struct {
	Match      []string `mapstructure:"match"`
	Executors  []string `mapstructure:"executors"`
	Sequential bool     `mapstructure:"sequential"`
}

// Planner evaluates an ordered routing table. Table order is the
// tie-break: when several routes match, the first one wins, and because
// the table is configuration its order is stable across processes.
type Planner struct {
	routes []Route
}

// DefaultRoutes is the built-in table used when configuration supplies
// none.
func DefaultRoutes() []Route {
	return []Route{
		{Match: []string{"test", "spec", "coverage"}, Executors: []string{"test-writer"}},
		{Match: []string{"review", "audit"}, Executors: []string{"implementer", "reviewer"}, Sequential: true},
		{Executors: []string{"implementer"}},
	}
}

func NewPlanner(routes []Route) *Planner {
	if len(routes) == 0 {
		routes = DefaultRoutes()
	}
	return &Planner{routes: routes}
}

// Plan maps the task's description and requirements onto the routing
// table and produces either an independent set or a sequential chain of
// invocations. ErrNoRoute when nothing matches and no catch-all exists.
func (p *Planner) Plan(task *domain.Task) (*domain.DispatchPlan, error) {
	text := strings.ToLower(task.Payload.Description)
	if len(task.Payload.Requirements) > 0 {
		text += " " + strings.ToLower(strings.Join(task.Payload.Requirements, " "))
	}

	for _, route := range p.routes {
		if !route.matches(text) || len(route.Executors) == 0 {
			continue
		}
		shape := domain.ShapeIndependent
		if route.Sequential {
			shape = domain.ShapeSequential
		}
		return &domain.DispatchPlan{
			Shape:     shape,
			Executors: append([]string(nil), route.Executors...),
		}, nil
	}
	return nil, domain.ErrNoRoute
}

func (r Route) matches(text string) bool {
	if len(r.Match) == 0 {
		return true
	}
	for _, pattern := range r.Match {
		if strings.Contains(text, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}
