package main

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/bluesky-social/modgate/auditlog"
	"github.com/bluesky-social/modgate/moderation"

	"github.com/labstack/echo/v4"
)

type GenericError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type GenericStatus struct {
	Daemon  string `json:"daemon"`
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
}

type JobStatusResponse struct {
	JobID  string               `json:"job_id"`
	Status moderation.JobStatus `json:"status"`
}

// Maps an error from the service layer to an HTTP status code.
func statusForError(err error) int {
	var ae *moderation.AdmissionError
	switch {
	case errors.As(err, &ae) && ae.Reason == moderation.ReasonRateLimited:
		return http.StatusTooManyRequests
	case errors.Is(err, moderation.ErrAdmissionRejected):
		return http.StatusServiceUnavailable
	case errors.Is(err, moderation.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, moderation.ErrQueueUnavailable), errors.Is(err, moderation.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, moderation.ErrComputationTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (srv *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	body := GenericError{Error: "InternalError", Message: err.Error()}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		body.Error = http.StatusText(code)
		body.Message = fmt.Sprintf("%s", he.Message)
	} else {
		code = statusForError(err)
		body.Error = moderation.ErrorCode(err)
	}
	if code >= 500 {
		srv.logger.Warn("modgate-http-internal-error", "err", err, "path", c.Path())
	}
	if code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable {
		c.Response().Header().Set("Retry-After", "1")
	}
	if err := c.JSON(code, body); err != nil {
		srv.logger.Error("failed to write error response", "err", err)
	}
}

func (srv *Server) bindRequest(c echo.Context) (*moderation.Request, error) {
	var req moderation.Request
	if err := c.Bind(&req); err != nil {
		return nil, fmt.Errorf("%w: invalid request body: %w", moderation.ErrBadRequest, err)
	}
	return &req, nil
}

func (srv *Server) HandleSubmitJob(c echo.Context) error {
	req, err := srv.bindRequest(c)
	if err != nil {
		return err
	}
	job, err := srv.svc.Submit(c.Request().Context(), c.RealIP(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, JobStatusResponse{JobID: job.ID, Status: moderation.StatusQueued})
}

func (srv *Server) HandleJobStatus(c echo.Context) error {
	jobID := c.Param("id")
	st, err := srv.svc.Queue.GetStatus(c.Request().Context(), jobID)
	if err != nil {
		return fmt.Errorf("%w: %w", moderation.ErrQueueUnavailable, err)
	}
	if st == "" {
		return c.JSON(http.StatusNotFound, GenericError{Error: "JobNotFound", Message: "no such job: " + jobID})
	}
	return c.JSON(http.StatusOK, JobStatusResponse{JobID: jobID, Status: st})
}

func (srv *Server) HandleJobResult(c echo.Context) error {
	jobID := c.Param("id")
	res, err := srv.svc.Queue.GetResult(c.Request().Context(), jobID)
	if err != nil {
		return fmt.Errorf("%w: %w", moderation.ErrQueueUnavailable, err)
	}
	if res == nil {
		return c.JSON(http.StatusNotFound, GenericError{Error: "ResultNotFound", Message: "no result for job: " + jobID})
	}
	return c.JSON(http.StatusOK, res)
}

func (srv *Server) HandleModerate(c echo.Context) error {
	req, err := srv.bindRequest(c)
	if err != nil {
		return err
	}
	res, err := srv.svc.Moderate(c.Request().Context(), c.RealIP(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (srv *Server) HandleAuditRecord(c echo.Context) error {
	if srv.svc.Audit == nil {
		return c.JSON(http.StatusNotFound, GenericError{Error: "AuditDisabled", Message: "audit log is not configured"})
	}
	auditID := c.Param("audit_id")
	rec, err := srv.svc.Audit.Get(c.Request().Context(), auditID)
	if errors.Is(err, auditlog.ErrNotFound) {
		return c.JSON(http.StatusNotFound, GenericError{Error: "AuditRecordNotFound", Message: "no such audit record: " + auditID})
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (srv *Server) HandleHealthCheck(c echo.Context) error {
	if !srv.svc.Healthy(c.Request().Context()) {
		return c.JSON(http.StatusServiceUnavailable, GenericStatus{Status: "error", Daemon: "modgate", Message: "queue backend unavailable"})
	}
	return c.JSON(http.StatusOK, GenericStatus{Status: "ok", Daemon: "modgate"})
}
