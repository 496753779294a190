package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/hupe1980/taskmesh/core"
)

// ObjectiveRequest is the body of objective create and update calls.
type ObjectiveRequest struct {
	Name         string   `json:"name"`
	Objective    string   `json:"objective"`
	StepBudget   int      `json:"step_budget"`
	AllowedTools []string `json:"allowed_tools"`
	Constraints  []string `json:"constraints"`
}

// ObjectiveList is the response of GET /v1/objectives.
type ObjectiveList struct {
	Objectives []core.Objective `json:"objectives"`
}

// RunList is the response of GET /v1/objectives/:id/runs.
type RunList struct {
	Runs []core.Run `json:"runs"`
}

func (r ObjectiveRequest) validate() string {
	if strings.TrimSpace(r.Objective) == "" {
		return "objective must not be empty"
	}
	if r.StepBudget < 0 {
		return "step_budget must not be negative"
	}

	return ""
}

func (s *Server) handleCreateObjective(c *gin.Context) {
	var req ObjectiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST"})

		return
	}
	if msg := req.validate(); msg != "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: "INVALID_OBJECTIVE"})

		return
	}

	now := time.Now().UTC()
	obj := core.Objective{
		ID:           uuid.NewString(),
		Name:         req.Name,
		Objective:    req.Objective,
		StepBudget:   req.StepBudget,
		AllowedTools: req.AllowedTools,
		Constraints:  req.Constraints,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.CreateObjective(c.Request.Context(), obj); err != nil {
		s.respondStoreError(c, err, "CREATE_OBJECTIVE_FAILED")

		return
	}

	s.opts.Logger.Info("server.objective.created", "objective", obj.ID, "name", obj.Name)
	c.JSON(http.StatusCreated, obj)
}

func (s *Server) handleListObjectives(c *gin.Context) {
	objs, err := s.store.ListObjectives(c.Request.Context())
	if err != nil {
		s.respondStoreError(c, err, "LIST_OBJECTIVES_FAILED")

		return
	}

	c.JSON(http.StatusOK, ObjectiveList{Objectives: objs})
}

func (s *Server) handleGetObjective(c *gin.Context) {
	obj, err := s.store.GetObjective(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondStoreError(c, err, "GET_OBJECTIVE_FAILED")

		return
	}

	c.JSON(http.StatusOK, obj)
}

func (s *Server) handleUpdateObjective(c *gin.Context) {
	var req ObjectiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST"})

		return
	}
	if msg := req.validate(); msg != "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: "INVALID_OBJECTIVE"})

		return
	}

	obj, err := s.store.GetObjective(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondStoreError(c, err, "GET_OBJECTIVE_FAILED")

		return
	}

	obj.Name = req.Name
	obj.Objective = req.Objective
	obj.StepBudget = req.StepBudget
	obj.AllowedTools = req.AllowedTools
	obj.Constraints = req.Constraints
	obj.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateObjective(c.Request.Context(), obj); err != nil {
		s.respondStoreError(c, err, "UPDATE_OBJECTIVE_FAILED")

		return
	}

	c.JSON(http.StatusOK, obj)
}

func (s *Server) handleDeleteObjective(c *gin.Context) {
	if err := s.store.DeleteObjective(c.Request.Context(), c.Param("id")); err != nil {
		s.respondStoreError(c, err, "DELETE_OBJECTIVE_FAILED")

		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) handlePauseObjective(c *gin.Context) {
	s.setObjectivePaused(c, true)
}

func (s *Server) handleResumeObjective(c *gin.Context) {
	s.setObjectivePaused(c, false)
}

func (s *Server) setObjectivePaused(c *gin.Context, paused bool) {
	obj, err := s.store.GetObjective(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondStoreError(c, err, "GET_OBJECTIVE_FAILED")

		return
	}

	obj.Paused = paused
	obj.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateObjective(c.Request.Context(), obj); err != nil {
		s.respondStoreError(c, err, "UPDATE_OBJECTIVE_FAILED")

		return
	}

	s.opts.Logger.Info("server.objective.paused_changed", "objective", obj.ID, "paused", paused)
	c.JSON(http.StatusOK, obj)
}

// handleTriggerRun executes a step-loop run for the objective and returns
// the finished run record.
func (s *Server) handleTriggerRun(c *gin.Context) {
	if s.opts.StepLoop == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "no step loop configured", Code: "STEP_LOOP_UNAVAILABLE"})

		return
	}

	obj, err := s.store.GetObjective(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondStoreError(c, err, "GET_OBJECTIVE_FAILED")

		return
	}
	if obj.Paused {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "objective is paused", Code: "OBJECTIVE_PAUSED"})

		return
	}

	s.opts.Logger.Info("server.objective.run_triggered", "objective", obj.ID)

	run, err := s.opts.StepLoop.Execute(c.Request.Context(), obj)
	if err != nil {
		// The failed run record is persisted by the loop before the error
		// surfaces, so hand both back.
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "code": "RUN_FAILED", "run": run})

		return
	}

	c.JSON(http.StatusOK, run)
}

func (s *Server) handleListRuns(c *gin.Context) {
	runs, err := s.store.ListRuns(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondStoreError(c, err, "LIST_RUNS_FAILED")

		return
	}

	c.JSON(http.StatusOK, RunList{Runs: runs})
}

func (s *Server) handleGetRun(c *gin.Context) {
	run, err := s.store.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondStoreError(c, err, "GET_RUN_FAILED")

		return
	}

	c.JSON(http.StatusOK, run)
}
