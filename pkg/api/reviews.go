package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/openpr-labs/governor/pkg/auth"
	"github.com/openpr-labs/governor/pkg/review"
)

// ReviewHandler serves impact reviews, learning stats and per-project config.
type ReviewHandler struct {
	svc *review.Service
}

func NewReviewHandler(svc *review.Service) *ReviewHandler {
	return &ReviewHandler{svc: svc}
}

// Register mounts the review routes.
func (h *ReviewHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/reviews/{id}", h.get)
	mux.HandleFunc("GET /api/reviews/{id}/participants", h.participants)
	mux.HandleFunc("POST /api/reviews/{id}/start", h.start)
	mux.HandleFunc("PUT /api/reviews/{id}", h.update)
	mux.HandleFunc("POST /api/reviews/{id}/complete", h.complete)
	mux.HandleFunc("POST /api/reviews/{id}/skip", h.skip)
	mux.HandleFunc("GET /api/proposals/{id}/review", h.byProposal)
	mux.HandleFunc("GET /api/ai-participants/{id}/alignment", h.alignment)
	mux.HandleFunc("GET /api/projects/{id}/config", h.getConfig)
	mux.HandleFunc("PUT /api/projects/{id}/config", h.putConfig)
}

func (h *ReviewHandler) get(w http.ResponseWriter, r *http.Request) {
	rev, err := h.svc.Store().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, rev)
}

func (h *ReviewHandler) byProposal(w http.ResponseWriter, r *http.Request) {
	rev, err := h.svc.Store().GetByProposal(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, rev)
}

func (h *ReviewHandler) participants(w http.ResponseWriter, r *http.Request) {
	parts, err := h.svc.Store().ListParticipants(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, parts)
}

func (h *ReviewHandler) start(w http.ResponseWriter, r *http.Request) {
	rev, err := h.svc.Start(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, rev)
}

type updateReviewRequest struct {
	GoalAchievements string `json:"goal_achievements"`
	Achievements     string `json:"achievements"`
	Lessons          string `json:"lessons"`
}

func (h *ReviewHandler) update(w http.ResponseWriter, r *http.Request) {
	var req updateReviewRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	rev, err := h.svc.Update(r.Context(), r.PathValue("id"),
		req.GoalAchievements, req.Achievements, req.Lessons)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, rev)
}

type skipReviewRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *ReviewHandler) skip(w http.ResponseWriter, r *http.Request) {
	var req skipReviewRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	rev, err := h.svc.Skip(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, rev)
}

type completeReviewRequest struct {
	Rating  string `json:"rating"`
	Summary string `json:"outcome_summary"`
}

func (h *ReviewHandler) complete(w http.ResponseWriter, r *http.Request) {
	var req completeReviewRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	rev, err := h.svc.Complete(r.Context(), r.PathValue("id"), req.Rating, req.Summary)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, rev)
}

func (h *ReviewHandler) alignment(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.AlignmentStatsFor(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, stats)
}

func (h *ReviewHandler) getConfig(w http.ResponseWriter, r *http.Request) {
	projectID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteBadRequest(w, "project id must be a UUID")
		return
	}
	cfg, err := h.svc.Store().GetConfig(r.Context(), projectID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, cfg)
}

type putConfigRequest struct {
	AutoReviewDays              int     `json:"auto_review_days"`
	ConsensusAbstainFraction    float64 `json:"consensus_abstain_fraction"`
	EscalationDeadlineOverturns bool    `json:"escalation_deadline_overturns"`
}

func (h *ReviewHandler) putConfig(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	if !actor.IsAdmin() {
		WriteForbidden(w, "governance config changes require an admin role")
		return
	}
	projectID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteBadRequest(w, "project id must be a UUID")
		return
	}
	var req putConfigRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.AutoReviewDays <= 0 {
		WriteBadRequest(w, "auto_review_days must be positive")
		return
	}
	if req.ConsensusAbstainFraction < 0 || req.ConsensusAbstainFraction > 1 {
		WriteBadRequest(w, "consensus_abstain_fraction must be within [0, 1]")
		return
	}
	cfg := review.Config{
		ProjectID:                   projectID,
		AutoReviewDays:              req.AutoReviewDays,
		ConsensusAbstainFraction:    req.ConsensusAbstainFraction,
		EscalationDeadlineOverturns: req.EscalationDeadlineOverturns,
	}
	if err := h.svc.Store().PutConfig(r.Context(), cfg); err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, cfg)
}
