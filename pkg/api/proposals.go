package api

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/openpr-labs/governor/pkg/auth"
	"github.com/openpr-labs/governor/pkg/governance"
)

// ProposalHandler serves the proposal lifecycle, voting and veto endpoints.
type ProposalHandler struct {
	svc *governance.Service
}

// NewProposalHandler wraps the lifecycle service.
func NewProposalHandler(svc *governance.Service) *ProposalHandler {
	return &ProposalHandler{svc: svc}
}

// Register mounts the proposal routes.
func (h *ProposalHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/proposals", h.create)
	mux.HandleFunc("GET /api/proposals", h.list)
	mux.HandleFunc("GET /api/proposals/{id}", h.get)
	mux.HandleFunc("PUT /api/proposals/{id}", h.update)
	mux.HandleFunc("DELETE /api/proposals/{id}", h.delete)
	mux.HandleFunc("POST /api/proposals/{id}/submit", h.submit)
	mux.HandleFunc("POST /api/proposals/{id}/start-voting", h.startVoting)
	mux.HandleFunc("POST /api/proposals/{id}/finalize", h.finalize)
	mux.HandleFunc("POST /api/proposals/{id}/archive", h.archive)
	mux.HandleFunc("POST /api/proposals/{id}/votes", h.castVote)
	mux.HandleFunc("DELETE /api/proposals/{id}/votes", h.withdrawVote)
	mux.HandleFunc("GET /api/proposals/{id}/votes", h.listVotes)
	mux.HandleFunc("GET /api/proposals/{id}/decision", h.getDecision)
	mux.HandleFunc("POST /api/proposals/{id}/veto", h.veto)
	mux.HandleFunc("GET /api/proposals/{id}/veto", h.getVeto)
	mux.HandleFunc("DELETE /api/proposals/{id}/veto", h.withdrawVeto)
	mux.HandleFunc("POST /api/proposals/{id}/veto/escalate", h.escalate)
	mux.HandleFunc("POST /api/proposals/{id}/veto/ballots", h.escalationBallot)
}

type createProposalRequest struct {
	ProjectID     string   `json:"project_id"`
	Title         string   `json:"title"`
	Type          string   `json:"proposal_type"`
	Content       string   `json:"content"`
	Domains       []string `json:"domains"`
	VotingRule    string   `json:"voting_rule,omitempty"`
	CycleTemplate string   `json:"cycle_template,omitempty"`
}

func (h *ProposalHandler) create(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	var req createProposalRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	projectID, err := uuid.Parse(req.ProjectID)
	if err != nil {
		WriteBadRequest(w, "project_id must be a UUID")
		return
	}
	p, err := h.svc.CreateDraft(r.Context(), governance.CreateDraftRequest{
		ProjectID:     projectID,
		Title:         req.Title,
		Type:          req.Type,
		Content:       req.Content,
		Domains:       req.Domains,
		VotingRule:    req.VotingRule,
		CycleTemplate: req.CycleTemplate,
		AuthorID:      actor.ID,
		AuthorType:    actor.Type,
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteCreated(w, p)
}

func (h *ProposalHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := governance.ProposalFilter{
		Status:   governance.ProposalStatus(q.Get("status")),
		Type:     governance.ProposalType(q.Get("type")),
		AuthorID: q.Get("author_id"),
	}
	if raw := q.Get("project_id"); raw != "" {
		projectID, err := uuid.Parse(raw)
		if err != nil {
			WriteBadRequest(w, "project_id must be a UUID")
			return
		}
		filter.ProjectID = &projectID
	}
	if raw := q.Get("limit"); raw != "" {
		filter.Limit, _ = strconv.Atoi(raw)
	}
	if raw := q.Get("offset"); raw != "" {
		filter.Offset, _ = strconv.Atoi(raw)
	}
	proposals, err := h.svc.Store().ListProposals(r.Context(), filter)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, proposals)
}

func (h *ProposalHandler) get(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Store().GetProposal(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, p)
}

type updateProposalRequest struct {
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Domains []string `json:"domains"`
}

func (h *ProposalHandler) update(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	var req updateProposalRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	p, err := h.svc.UpdateDraft(r.Context(), r.PathValue("id"), actor.ID, req.Title, req.Content, req.Domains)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, p)
}

func (h *ProposalHandler) delete(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	if err := h.svc.DeleteDraft(r.Context(), r.PathValue("id"), actor.ID); err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, nil)
}

func (h *ProposalHandler) submit(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	p, err := h.svc.Submit(r.Context(), r.PathValue("id"), actor.ID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, p)
}

func (h *ProposalHandler) startVoting(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	p, err := h.svc.StartVoting(r.Context(), r.PathValue("id"), actor.ID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, p)
}

func (h *ProposalHandler) finalize(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Finalize(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, d)
}

func (h *ProposalHandler) archive(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	p, err := h.svc.Archive(r.Context(), r.PathValue("id"), actor.ID, actor.Type, actor.IsAdmin())
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, p)
}

type castVoteRequest struct {
	Choice string `json:"choice"`
	Reason string `json:"reason,omitempty"`
}

func (h *ProposalHandler) castVote(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	var req castVoteRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	v, err := h.svc.CastVote(r.Context(), governance.CastVoteRequest{
		ProposalID: r.PathValue("id"),
		VoterID:    actor.ID,
		VoterType:  actor.Type,
		Choice:     req.Choice,
		Reason:     req.Reason,
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteCreated(w, v)
}

func (h *ProposalHandler) withdrawVote(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	if err := h.svc.WithdrawVote(r.Context(), r.PathValue("id"), actor.ID); err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, nil)
}

func (h *ProposalHandler) listVotes(w http.ResponseWriter, r *http.Request) {
	listing, err := h.svc.ListVotes(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, listing)
}

func (h *ProposalHandler) getDecision(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Store().GetDecision(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, d)
}

type vetoRequest struct {
	Reason string `json:"reason"`
}

func (h *ProposalHandler) veto(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	vetoerID, err := uuid.Parse(actor.ID)
	if err != nil {
		WriteForbidden(w, "veto rights require a registered participant id")
		return
	}
	var req vetoRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	ve, err := h.svc.Veto(r.Context(), governance.VetoRequest{
		ProposalID: r.PathValue("id"),
		VetoerID:   vetoerID,
		VetoerType: actor.Type,
		Reason:     req.Reason,
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteCreated(w, ve)
}

func (h *ProposalHandler) getVeto(w http.ResponseWriter, r *http.Request) {
	ve, err := h.svc.Store().GetVeto(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, ve)
}

func (h *ProposalHandler) withdrawVeto(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	vetoerID, err := uuid.Parse(actor.ID)
	if err != nil {
		WriteForbidden(w, "veto rights require a registered participant id")
		return
	}
	ve, err := h.svc.WithdrawVeto(r.Context(), r.PathValue("id"), vetoerID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, ve)
}

func (h *ProposalHandler) escalate(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	ve, err := h.svc.StartEscalation(r.Context(), r.PathValue("id"), actor.ID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, ve)
}

type escalationBallotRequest struct {
	Overturn bool `json:"overturn"`
}

func (h *ProposalHandler) escalationBallot(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	vetoerID, err := uuid.Parse(actor.ID)
	if err != nil {
		WriteForbidden(w, "veto rights require a registered participant id")
		return
	}
	var req escalationBallotRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	ve, err := h.svc.CastEscalationBallot(r.Context(), r.PathValue("id"), vetoerID, req.Overturn)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, ve)
}
