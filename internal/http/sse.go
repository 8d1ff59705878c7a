package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/flowd/internal/events"
)

// handleEvents streams the events of one execution as Server-Sent Events.
//
// The first event is always a "snapshot" of the execution. Engine events
// follow under their own type names until execution_finished, after which
// the stream closes:
//
//	event: snapshot
//	data: {"execution_id":"...","status":"RUNNING",...}
//
//	event: step_completed
//	data: {"type":"step_completed","step_id":"build",...}
func (s *Server) handleEvents(c echo.Context) error {
	if s.events == nil {
		return echo.NewHTTPError(http.StatusNotFound, "event streaming is disabled")
	}
	id := c.Param("id")

	// subscribe first so nothing between the snapshot and the stream is lost
	sub, err := s.events.Subscribe(events.ForExecution(id))
	if err != nil {
		return fail(err)
	}
	defer sub.Close()

	snap, err := s.engine.GetStatus(id)
	if err != nil {
		return fail(err)
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)

	if err := writeEvent(res, "snapshot", snap); err != nil {
		return nil
	}
	if snap.Terminal() {
		return nil
	}

	heartbeat := time.NewTicker(s.config.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := writeEvent(res, string(e.Type), e); err != nil {
				return nil
			}
			if e.Type == events.ExecutionFinished {
				return nil
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(res, ": heartbeat\n\n"); err != nil {
				return nil
			}
			res.Flush()
		case <-c.Request().Context().Done():
			return nil
		}
	}
}

func writeEvent(res *echo.Response, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	res.Flush()
	return nil
}
