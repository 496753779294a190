package server

import (
	"github.com/gin-gonic/gin"

	"github.com/hupe1980/taskmesh/core"
)

// handleExecutionEvents streams execution progress as server-sent events.
// The stream opens with a snapshot built from the stored state, then relays
// bus events (subtask transitions, snapshots, heartbeats) until the
// execution reaches a terminal snapshot or the client disconnects.
func (s *Server) handleExecutionEvents(c *gin.Context) {
	id := c.Param("id")

	exec, _, err := s.store.GetExecution(c.Request.Context(), id)
	if err != nil {
		s.respondStoreError(c, err, "GET_EXECUTION_FAILED")

		return
	}

	// Subscribe before writing the snapshot so no transition is lost in
	// between.
	sub := s.bus.Subscribe(id)
	defer sub.Close()

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")

	s.opts.Logger.Debug("server.events.stream_opened", "execution", id)

	initial := core.NewSnapshotEvent(exec)
	c.SSEvent(string(initial.Kind), initial)
	c.Writer.Flush()

	if exec.Status.Terminal() {
		return
	}

	ctx := c.Request.Context()

	for {
		select {
		case <-ctx.Done():
			s.opts.Logger.Debug("server.events.client_disconnected", "execution", id)

			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}

			c.SSEvent(string(ev.Kind), ev)
			c.Writer.Flush()

			if ev.Kind == core.EventSnapshot && ev.Snapshot != nil && ev.Snapshot.Status.Terminal() {
				s.opts.Logger.Debug("server.events.stream_completed", "execution", id, "status", ev.Snapshot.Status)

				return
			}
		}
	}
}
