// ABOUTME: Admin handlers to enqueue, inspect and cancel actions over HTTP.
// ABOUTME: Thin JSON layer over store.CreateAction, GetAction and CancelAction.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/passline/passline/internal/store"
)

// maxDelaySeconds bounds delay_seconds so the conversion to time.Duration
// cannot overflow.
const maxDelaySeconds = 10 * 366 * 24 * 60 * 60

type createActionRequest struct {
	ActionType      string          `json:"action_type"`
	ChannelType     string          `json:"channel_type,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	SubjectTable    string          `json:"subject_table,omitempty"`
	SubjectID       *uuid.UUID      `json:"subject_id,omitempty"`
	OriginEventID   *uuid.UUID      `json:"origin_event_id,omitempty"`
	ScheduledAt     *time.Time      `json:"scheduled_at,omitempty"`
	DelaySeconds    int64           `json:"delay_seconds,omitempty"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	MaxAttemptCount int32           `json:"max_attempt_count,omitempty"`
}

func (req createActionRequest) params() store.CreateActionParams {
	p := store.CreateActionParams{
		ActionType:      req.ActionType,
		ChannelType:     req.ChannelType,
		Payload:         req.Payload,
		SubjectTable:    req.SubjectTable,
		Delay:           time.Duration(req.DelaySeconds) * time.Second,
		MaxAttemptCount: req.MaxAttemptCount,
	}
	if req.SubjectID != nil {
		p.SubjectID = uuid.NullUUID{UUID: *req.SubjectID, Valid: true}
	}
	if req.OriginEventID != nil {
		p.OriginEventID = uuid.NullUUID{UUID: *req.OriginEventID, Valid: true}
	}
	if req.ScheduledAt != nil {
		p.ScheduledAt = *req.ScheduledAt
	}
	if req.ExpiresAt != nil {
		p.ExpiresAt = *req.ExpiresAt
	}
	return p
}

type actionResponse struct {
	ID                uuid.UUID          `json:"id"`
	OriginEventID     *uuid.UUID         `json:"origin_event_id,omitempty"`
	ActionType        string             `json:"action_type"`
	ChannelType       *string            `json:"channel_type,omitempty"`
	Payload           json.RawMessage    `json:"payload"`
	SubjectTable      *string            `json:"subject_table,omitempty"`
	SubjectID         *uuid.UUID         `json:"subject_id,omitempty"`
	ScheduledAt       time.Time          `json:"scheduled_at"`
	ExpiresAt         time.Time          `json:"expires_at"`
	LastAttemptedAt   *time.Time         `json:"last_attempted_at,omitempty"`
	AttemptCount      int32              `json:"attempt_count"`
	MaxAttemptCount   int32              `json:"max_attempt_count"`
	Status            store.ActionStatus `json:"status"`
	LastFailureReason *string            `json:"last_failure_reason,omitempty"`
	BlockedUntil      time.Time          `json:"blocked_until"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

func nullUUIDPtr(n uuid.NullUUID) *uuid.UUID {
	if !n.Valid {
		return nil
	}
	return &n.UUID
}

func toActionResponse(a *store.Action) actionResponse {
	return actionResponse{
		ID:                a.ID,
		OriginEventID:     nullUUIDPtr(a.OriginEventID),
		ActionType:        a.ActionType,
		ChannelType:       a.ChannelType,
		Payload:           a.Payload,
		SubjectTable:      a.SubjectTable,
		SubjectID:         nullUUIDPtr(a.SubjectID),
		ScheduledAt:       a.ScheduledAt,
		ExpiresAt:         a.ExpiresAt,
		LastAttemptedAt:   a.LastAttemptedAt,
		AttemptCount:      a.AttemptCount,
		MaxAttemptCount:   a.MaxAttemptCount,
		Status:            a.Status,
		LastFailureReason: a.LastFailureReason,
		BlockedUntil:      a.BlockedUntil,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
}

func (srv *Server) createActionHandler(w http.ResponseWriter, r *http.Request) {
	var req createActionRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		srv.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DelaySeconds < 0 {
		srv.writeError(w, r, http.StatusBadRequest, "delay_seconds must not be negative")
		return
	}
	if req.DelaySeconds > maxDelaySeconds {
		srv.writeError(w, r, http.StatusBadRequest, "delay_seconds exceeds ten years")
		return
	}

	a, err := srv.store.CreateAction(r.Context(), srv.store.Pool(), req.params())
	if errors.Is(err, store.ErrInvalidAction) {
		srv.writeError(w, r, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		srv.log.ErrorContext(r.Context(), "create action", "err", err)
		srv.writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	srv.log.InfoContext(r.Context(), "action enqueued", "action_id", a.ID, "action_type", a.ActionType)
	srv.writeJSON(w, r, http.StatusCreated, toActionResponse(a))
}

func (srv *Server) getActionHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := srv.actionID(w, r)
	if !ok {
		return
	}
	a, err := srv.store.GetAction(r.Context(), srv.store.Pool(), id)
	if err != nil {
		srv.log.ErrorContext(r.Context(), "get action", "action_id", id, "err", err)
		srv.writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if a == nil {
		srv.writeError(w, r, http.StatusNotFound, "action not found")
		return
	}
	srv.writeJSON(w, r, http.StatusOK, toActionResponse(a))
}

type cancelActionRequest struct {
	Reason string `json:"reason"`
}

func (srv *Server) cancelActionHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := srv.actionID(w, r)
	if !ok {
		return
	}
	var req cancelActionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			srv.writeError(w, r, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	a, err := srv.store.CancelAction(r.Context(), srv.store.Pool(), id, req.Reason)
	switch {
	case errors.Is(err, store.ErrActionNotFound):
		srv.writeError(w, r, http.StatusNotFound, "action not found")
		return
	case errors.Is(err, store.ErrActionNotPending):
		srv.writeError(w, r, http.StatusConflict, "action is not pending")
		return
	case err != nil:
		srv.log.ErrorContext(r.Context(), "cancel action", "action_id", id, "err", err)
		srv.writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	srv.log.InfoContext(r.Context(), "action cancelled", "action_id", a.ID, "reason", req.Reason)
	srv.writeJSON(w, r, http.StatusOK, toActionResponse(a))
}

func (srv *Server) actionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		srv.writeError(w, r, http.StatusBadRequest, "invalid action id")
		return uuid.Nil, false
	}
	return id, true
}
