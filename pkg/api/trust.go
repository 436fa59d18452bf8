package api

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/openpr-labs/governor/pkg/auth"
	"github.com/openpr-labs/governor/pkg/trust"
)

// TrustHandler serves trust scores, appeals and AI participant registration.
type TrustHandler struct {
	engine *trust.Engine
}

func NewTrustHandler(engine *trust.Engine) *TrustHandler {
	return &TrustHandler{engine: engine}
}

// Register mounts the trust routes.
func (h *TrustHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/trust/{participantID}", h.scores)
	mux.HandleFunc("GET /api/trust/{participantID}/logs", h.logs)
	mux.HandleFunc("GET /api/trust/vetoers/{domain}", h.vetoers)
	mux.HandleFunc("POST /api/appeals", h.fileAppeal)
	mux.HandleFunc("GET /api/appeals", h.listAppeals)
	mux.HandleFunc("GET /api/appeals/{id}", h.getAppeal)
	mux.HandleFunc("POST /api/appeals/{id}/resolve", h.resolveAppeal)
	mux.HandleFunc("DELETE /api/appeals/{id}", h.deleteAppeal)
	mux.HandleFunc("POST /api/ai-participants", h.upsertAIParticipant)
	mux.HandleFunc("GET /api/ai-participants/{id}", h.getAIParticipant)
}

func (h *TrustHandler) scores(w http.ResponseWriter, r *http.Request) {
	scores, err := h.engine.Store().ListScores(r.Context(), r.PathValue("participantID"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, scores)
}

func (h *TrustHandler) logs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	logs, err := h.engine.Store().ListLogs(r.Context(), r.PathValue("participantID"), limit)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, logs)
}

func (h *TrustHandler) vetoers(w http.ResponseWriter, r *http.Request) {
	projectID, err := uuid.Parse(r.URL.Query().Get("project_id"))
	if err != nil {
		WriteBadRequest(w, "project_id must be a UUID")
		return
	}
	grants, err := h.engine.Store().ListVetoers(r.Context(), projectID, r.PathValue("domain"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, grants)
}

type fileAppealRequest struct {
	LogID  int64  `json:"log_id"`
	Reason string `json:"reason"`
}

func (h *TrustHandler) fileAppeal(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	var req fileAppealRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	appeal, err := h.engine.FileAppeal(r.Context(), req.LogID, actor.ID, req.Reason)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteCreated(w, appeal)
}

func (h *TrustHandler) listAppeals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	appeals, err := h.engine.ListAppeals(r.Context(), trust.AppealStatus(q.Get("status")), limit)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, appeals)
}

func (h *TrustHandler) getAppeal(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteBadRequest(w, "appeal id must be numeric")
		return
	}
	appeal, err := h.engine.GetAppeal(r.Context(), id)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, appeal)
}

type resolveAppealRequest struct {
	Accept bool   `json:"accept"`
	Note   string `json:"note,omitempty"`
}

func (h *TrustHandler) resolveAppeal(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	if !actor.IsAdmin() {
		WriteForbidden(w, "appeal resolution requires an admin role")
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteBadRequest(w, "appeal id must be numeric")
		return
	}
	var req resolveAppealRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	appeal, err := h.engine.ResolveAppeal(r.Context(), id, actor.ID, req.Accept, req.Note)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, appeal)
}

func (h *TrustHandler) deleteAppeal(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteBadRequest(w, "appeal id must be numeric")
		return
	}
	if err := h.engine.DeleteAppeal(r.Context(), id, actor.ID); err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, nil)
}

type aiParticipantRequest struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	IsActive        bool              `json:"is_active"`
	MaxDomainLevel  string            `json:"max_domain_level"`
	DomainOverrides map[string]string `json:"domain_overrides,omitempty"`
}

func (h *TrustHandler) upsertAIParticipant(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	if !actor.IsAdmin() {
		WriteForbidden(w, "ai participant registration requires an admin role")
		return
	}
	var req aiParticipantRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	id, err := uuid.Parse(req.ID)
	if err != nil {
		WriteBadRequest(w, "id must be a UUID")
		return
	}
	maxLevel := trust.Level(req.MaxDomainLevel)
	if !trust.ValidLevel(maxLevel) {
		WriteBadRequest(w, "max_domain_level is not a recognized trust level")
		return
	}
	overrides := make(map[string]trust.Level, len(req.DomainOverrides))
	for domain, raw := range req.DomainOverrides {
		lvl := trust.Level(raw)
		if !trust.ValidLevel(lvl) {
			WriteBadRequest(w, "domain override for "+domain+" is not a recognized trust level")
			return
		}
		overrides[domain] = lvl
	}
	agent := &trust.AIParticipant{
		ID:              id,
		Name:            req.Name,
		IsActive:        req.IsActive,
		MaxDomainLevel:  maxLevel,
		DomainOverrides: overrides,
	}
	if err := h.engine.Store().UpsertAIParticipant(r.Context(), agent); err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, agent)
}

func (h *TrustHandler) getAIParticipant(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteBadRequest(w, "id must be a UUID")
		return
	}
	agent, err := h.engine.Store().GetAIParticipant(r.Context(), id)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, agent)
}
