/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	employee rosters. Each scenario shows a specific batch behaviour.

AVAILABLE SCENARIOS (scenarios.yaml):

	small-company:       Three departments, every employee pays cleanly
	inactive-staff:      Inactive employees are left out of bulk runs
	failing-department:  One bad salary makes a department fail and need a retry

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Insert the scenario's employees in one transaction

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "failing-department"}

ADDING NEW SCENARIOS:
 1. Add an entry to scenarios.yaml with id, name, description, employees

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Other handlers
  - cmd/payrollctl: seed command uses the same definitions
*/
package api

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/warp/payroll-engine/payroll"
	"gopkg.in/yaml.v3"
)

//go:embed scenarios.yaml
var scenariosYAML []byte

// Scenario is a named demo roster.
type Scenario struct {
	ID          string             `yaml:"id"`
	Name        string             `yaml:"name"`
	Description string             `yaml:"description"`
	Employees   []scenarioEmployee `yaml:"employees"`
}

type scenarioEmployee struct {
	ID         string  `yaml:"id"`
	Name       string  `yaml:"name"`
	Email      string  `yaml:"email"`
	Department string  `yaml:"department"`
	BaseSalary float64 `yaml:"base_salary"`
	Status     string  `yaml:"status"`
	HireDate   string  `yaml:"hire_date"`
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// Scenarios returns the embedded demo scenarios in file order.
func Scenarios() ([]Scenario, error) {
	var doc struct {
		Scenarios []Scenario `yaml:"scenarios"`
	}
	if err := yaml.Unmarshal(scenariosYAML, &doc); err != nil {
		return nil, fmt.Errorf("parse scenarios: %w", err)
	}
	return doc.Scenarios, nil
}

// FindScenario looks up a scenario by id.
func FindScenario(id string) (*Scenario, error) {
	all, err := Scenarios()
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].ID == id {
			return &all[i], nil
		}
	}
	return nil, &payroll.ValidationError{Field: "scenario_id", Message: fmt.Sprintf("unknown scenario %q", id)}
}

// EmployeeList converts the scenario roster to domain employees.
func (s Scenario) EmployeeList() ([]payroll.Employee, error) {
	out := make([]payroll.Employee, 0, len(s.Employees))
	for _, e := range s.Employees {
		emp := payroll.Employee{
			ID:         e.ID,
			Name:       e.Name,
			Email:      e.Email,
			Department: e.Department,
			BaseSalary: payroll.NewMoney(e.BaseSalary),
			Status:     payroll.EmployeeStatus(strings.ToUpper(e.Status)),
		}
		if emp.Status == "" {
			emp.Status = payroll.EmployeeActive
		}
		if e.HireDate != "" {
			hireDate, err := time.Parse("2006-01-02", e.HireDate)
			if err != nil {
				return nil, fmt.Errorf("scenario %s employee %s: %w", s.ID, e.ID, err)
			}
			emp.HireDate = hireDate
		}
		out = append(out, emp)
	}
	return out, nil
}

// Load seeds the store with the scenario's employees.
func (s Scenario) Load(ctx context.Context, store payroll.Store) error {
	employees, err := s.EmployeeList()
	if err != nil {
		return err
	}
	return store.WithTx(ctx, func(q payroll.Queries) error {
		for _, emp := range employees {
			if err := q.SaveEmployee(ctx, emp); err != nil {
				return err
			}
		}
		return nil
	})
}

// =============================================================================
// SCENARIO HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	all, err := Scenarios()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read scenarios", err)
		return
	}
	dtos := make([]ScenarioDTO, len(all))
	for i, s := range all {
		dtos[i] = ScenarioDTO{ID: s.ID, Name: s.Name, Description: s.Description}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}

	s, err := FindScenario(current)
	if err != nil {
		writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current, Description: "Currently loaded scenario"})
		return
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: s.ID, Name: s.Name, Description: s.Description})
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	s, err := FindScenario(req.ScenarioID)
	if err != nil {
		writeError(w, statusFor(err), "Unknown scenario", err)
		return
	}

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.setCurrentScenario("")

	if err := s.Load(ctx, h.Store); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.setCurrentScenario(s.ID)

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": s.ID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.setCurrentScenario("")

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) setCurrentScenario(id string) {
	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()
}
