package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgrid/agentgrid/internal/core/domain"
)

func TestPlannerRoutesByKeyword(t *testing.T) {
	p := NewPlanner(nil)

	task := domain.NewTask("backend", "Write unit tests for the user service", nil, nil, "main", domain.PriorityNormal, time.Minute)
	plan, err := p.Plan(task)
	require.NoError(t, err)
	assert.Equal(t, domain.ShapeIndependent, plan.Shape)
	assert.Equal(t, []string{"test-writer"}, plan.Executors)
}

func TestPlannerFirstMatchWins(t *testing.T) {
	// "review the test coverage" matches both the test route and the
	// review route; table order decides.
	p := NewPlanner(nil)

	task := domain.NewTask("backend", "Review the test coverage report", nil, nil, "main", domain.PriorityNormal, time.Minute)
	plan, err := p.Plan(task)
	require.NoError(t, err)
	assert.Equal(t, []string{"test-writer"}, plan.Executors)
}

func TestPlannerMatchesRequirements(t *testing.T) {
	p := NewPlanner(nil)

	task := domain.NewTask("backend", "Ship the login endpoint",
		[]string{"security review required before merge"}, nil, "main", domain.PriorityNormal, time.Minute)
	plan, err := p.Plan(task)
	require.NoError(t, err)
	assert.Equal(t, domain.ShapeSequential, plan.Shape)
	assert.Equal(t, []string{"implementer", "reviewer"}, plan.Executors)
}

func TestPlannerCatchAll(t *testing.T) {
	p := NewPlanner(nil)

	task := domain.NewTask("backend", "Add a health endpoint", nil, nil, "main", domain.PriorityNormal, time.Minute)
	plan, err := p.Plan(task)
	require.NoError(t, err)
	assert.Equal(t, []string{"implementer"}, plan.Executors)
}

func TestPlannerNoRoute(t *testing.T) {
	p := NewPlanner([]Route{
		{Match: []string{"migrate"}, Executors: []string{"migrator"}},
	})

	task := domain.NewTask("backend", "Add a health endpoint", nil, nil, "main", domain.PriorityNormal, time.Minute)
	_, err := p.Plan(task)
	assert.ErrorIs(t, err, domain.ErrNoRoute)
}

func TestPlannerCustomTable(t *testing.T) {
	p := NewPlanner([]Route{
		{Match: []string{"docs"}, Executors: []string{"doc-writer"}},
		{Executors: []string{"generalist"}},
	})

	task := domain.NewTask("backend", "Update the API docs", nil, nil, "main", domain.PriorityNormal, time.Minute)
	plan, err := p.Plan(task)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-writer"}, plan.Executors)
}
