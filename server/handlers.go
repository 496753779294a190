package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/store"
)

// ErrorResponse is the error body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// ExecutionDetail is the response of GET /v1/executions/:id.
type ExecutionDetail struct {
	Execution core.Execution `json:"execution"`
	Subtasks  []core.Subtask `json:"subtasks"`
}

// ExecutionList is the response of GET /v1/executions.
type ExecutionList struct {
	Executions []core.Execution `json:"executions"`
}

func (s *Server) handleCreateExecution(c *gin.Context) {
	var plan core.TaskPlan
	if err := c.ShouldBindJSON(&plan); err != nil {
		s.opts.Logger.Warn("server.execution.invalid_body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST"})

		return
	}

	exec, err := s.sched.Submit(c.Request.Context(), plan)
	if err != nil {
		var graphErr *core.GraphError
		if errors.As(err, &graphErr) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_PLAN"})

			return
		}

		s.opts.Logger.Error("server.execution.submit_failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "SUBMIT_FAILED"})

		return
	}

	s.opts.Logger.Info("server.execution.submitted", "execution", exec.ID, "status", exec.Status)
	c.JSON(http.StatusAccepted, exec)
}

func (s *Server) handleGetExecution(c *gin.Context) {
	exec, subtasks, err := s.store.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondStoreError(c, err, "GET_EXECUTION_FAILED")

		return
	}

	c.JSON(http.StatusOK, ExecutionDetail{Execution: exec, Subtasks: subtasks})
}

func (s *Server) handleListExecutions(c *gin.Context) {
	opts := store.ListOptions{
		Status: core.ExecutionStatus(strings.TrimSpace(c.Query("status"))),
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid limit", Code: "INVALID_REQUEST"})

			return
		}
		opts.Limit = n
	}
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid offset", Code: "INVALID_REQUEST"})

			return
		}
		opts.Offset = n
	}

	execs, err := s.store.ListExecutions(c.Request.Context(), opts)
	if err != nil {
		s.opts.Logger.Error("server.execution.list_failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "LIST_EXECUTIONS_FAILED"})

		return
	}

	c.JSON(http.StatusOK, ExecutionList{Executions: execs})
}

func (s *Server) handleDeleteExecution(c *gin.Context) {
	if err := s.store.DeleteExecution(c.Request.Context(), c.Param("id")); err != nil {
		s.respondStoreError(c, err, "DELETE_EXECUTION_FAILED")

		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) handleResumeExecution(c *gin.Context) {
	exec, err := s.sched.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "execution not found", Code: "NOT_FOUND"})

			return
		}

		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "NOT_RESUMABLE"})

		return
	}

	s.opts.Logger.Info("server.execution.resumed", "execution", exec.ID, "retry_count", exec.RetryCount)
	c.JSON(http.StatusAccepted, exec)
}

func (s *Server) handleCancelExecution(c *gin.Context) {
	id := c.Param("id")
	if s.sched.Cancel(id) {
		s.opts.Logger.Info("server.execution.cancelled", "execution", id)
		c.JSON(http.StatusAccepted, gin.H{"execution_id": id, "cancelled": true})

		return
	}

	// Not in flight. Distinguish unknown ids from already-settled executions.
	if _, _, err := s.store.GetExecution(c.Request.Context(), id); err != nil {
		s.respondStoreError(c, err, "CANCEL_EXECUTION_FAILED")

		return
	}

	c.JSON(http.StatusConflict, ErrorResponse{Error: "execution is not running", Code: "NOT_RUNNING"})
}

func (s *Server) respondStoreError(c *gin.Context, err error, code string) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not found", Code: "NOT_FOUND"})

		return
	}

	s.opts.Logger.Error("server.store_error", "error", err)
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: code})
}
