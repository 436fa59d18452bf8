package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/openpr-labs/governor/pkg/analytics"
	"github.com/openpr-labs/governor/pkg/auth"
	"github.com/openpr-labs/governor/pkg/governance"
)

// AnalyticsHandler serves the decision analytics and audit report endpoints.
type AnalyticsHandler struct {
	svc *analytics.Service
	gov *governance.PostgresStore
}

func NewAnalyticsHandler(svc *analytics.Service, gov *governance.PostgresStore) *AnalyticsHandler {
	return &AnalyticsHandler{svc: svc, gov: gov}
}

// Register mounts the analytics and domain routes.
func (h *AnalyticsHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/analytics/overview", h.overview)
	mux.HandleFunc("GET /api/analytics/by-type", h.byType)
	mux.HandleFunc("GET /api/analytics/by-domain", h.byDomain)
	mux.HandleFunc("GET /api/analytics/audit", h.audit)
	mux.HandleFunc("GET /api/analytics/reports", h.reports)
	mux.HandleFunc("GET /api/projects/{id}/domains", h.listDomains)
	mux.HandleFunc("POST /api/projects/{id}/domains", h.upsertDomain)
}

func projectIDParam(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(r.URL.Query().Get("project_id"))
}

func (h *AnalyticsHandler) overview(w http.ResponseWriter, r *http.Request) {
	projectID, err := projectIDParam(r)
	if err != nil {
		WriteBadRequest(w, "project_id must be a UUID")
		return
	}
	overview, err := h.svc.DecisionOverview(r.Context(), projectID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, overview)
}

func (h *AnalyticsHandler) byType(w http.ResponseWriter, r *http.Request) {
	projectID, err := projectIDParam(r)
	if err != nil {
		WriteBadRequest(w, "project_id must be a UUID")
		return
	}
	buckets, err := h.svc.ByType(r.Context(), projectID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, buckets)
}

func (h *AnalyticsHandler) byDomain(w http.ResponseWriter, r *http.Request) {
	projectID, err := projectIDParam(r)
	if err != nil {
		WriteBadRequest(w, "project_id must be a UUID")
		return
	}
	buckets, err := h.svc.ByDomain(r.Context(), projectID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, buckets)
}

func (h *AnalyticsHandler) audit(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	if !actor.IsAdmin() {
		WriteForbidden(w, "audit reports require an admin role")
		return
	}
	projectID, err := projectIDParam(r)
	if err != nil {
		WriteBadRequest(w, "project_id must be a UUID")
		return
	}
	q := r.URL.Query()
	to := time.Now().UTC()
	from := to.AddDate(0, -1, 0)
	if raw := q.Get("from"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			WriteBadRequest(w, "from must be RFC 3339")
			return
		}
	}
	if raw := q.Get("to"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			WriteBadRequest(w, "to must be RFC 3339")
			return
		}
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	report, err := h.svc.PeriodAuditReport(r.Context(), projectID, from, to, limit)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, report)
}

func (h *AnalyticsHandler) reports(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	if !actor.IsAdmin() {
		WriteForbidden(w, "audit reports require an admin role")
		return
	}
	projectID, err := projectIDParam(r)
	if err != nil {
		WriteBadRequest(w, "project_id must be a UUID")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	reports, err := h.svc.ListReports(r.Context(), projectID, limit)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, reports)
}

func (h *AnalyticsHandler) listDomains(w http.ResponseWriter, r *http.Request) {
	projectID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteBadRequest(w, "project id must be a UUID")
		return
	}
	domains, err := h.gov.ListDomains(r.Context(), projectID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, domains)
}

type upsertDomainRequest struct {
	Name                 string `json:"name"`
	Description          string `json:"description,omitempty"`
	DefaultVotingRule    string `json:"default_voting_rule,omitempty"`
	DefaultCycleTemplate string `json:"default_cycle_template,omitempty"`
	VetoThreshold        int    `json:"veto_threshold,omitempty"`
	AutonomousThreshold  int    `json:"autonomous_threshold,omitempty"`
	IsActive             *bool  `json:"is_active,omitempty"`
}

func (h *AnalyticsHandler) upsertDomain(w http.ResponseWriter, r *http.Request) {
	actor, err := auth.ActorFrom(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	if !actor.IsAdmin() {
		WriteForbidden(w, "domain registration requires an admin role")
		return
	}
	projectID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteBadRequest(w, "project id must be a UUID")
		return
	}
	var req upsertDomainRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	name := governance.NormalizeDomainKey(req.Name)
	if name == "" || name == governance.GlobalDomain {
		WriteBadRequest(w, "name must be a non-empty domain other than the reserved global domain")
		return
	}
	rule := governance.VotingRule(req.DefaultVotingRule)
	if req.DefaultVotingRule == "" {
		rule = governance.RuleSimpleMajority
	} else if !governance.ValidVotingRule(req.DefaultVotingRule) {
		WriteBadRequest(w, "default_voting_rule is not a recognized rule")
		return
	}
	template := governance.CycleTemplate(req.DefaultCycleTemplate)
	if req.DefaultCycleTemplate == "" {
		template = governance.CycleStandard
	} else if !governance.ValidCycleTemplate(req.DefaultCycleTemplate) {
		WriteBadRequest(w, "default_cycle_template is not a recognized template")
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	d := &governance.DecisionDomain{
		ID:                   uuid.NewString(),
		ProjectID:            projectID,
		Name:                 name,
		Description:          req.Description,
		DefaultVotingRule:    rule,
		DefaultCycleTemplate: template,
		VetoThreshold:        req.VetoThreshold,
		AutonomousThreshold:  req.AutonomousThreshold,
		IsActive:             active,
		CreatedAt:            time.Now().UTC(),
	}
	if err := h.gov.UpsertDomain(r.Context(), d); err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteOK(w, d)
}
