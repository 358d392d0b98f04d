package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/etsy/jenkins-master-project/internal/config"
	"github.com/etsy/jenkins-master-project/pkg/model"
)

// projectView is a master project as the API presents it.
type projectView struct {
	Name               string                      `json:"name"`
	Members            []string                    `json:"members"`
	Include            string                      `json:"include,omitempty"`
	DefaultSubProjects []string                    `json:"default_sub_projects,omitempty"`
	HiddenSubProjects  []string                    `json:"hidden_sub_projects,omitempty"`
	MaxRetries         int                         `json:"max_retries"`
	Parameters         []model.ParameterDefinition `json:"parameters,omitempty"`
	Cron               string                      `json:"cron,omitempty"`
	NotifyOnRebuild    bool                        `json:"notify_on_rebuild"`
	Selectable         bool                        `json:"selectable"`
}

func (s *Server) projectView(r *http.Request, cfg config.ProjectConfig) (projectView, error) {
	members, err := s.svc.Members(r.Context(), cfg)
	if err != nil {
		return projectView{}, err
	}
	return projectView{
		Name:               cfg.Name,
		Members:            members,
		Include:            cfg.Include,
		DefaultSubProjects: cfg.DefaultSubProjects,
		HiddenSubProjects:  cfg.HiddenSubProjects,
		MaxRetries:         cfg.MaxRetries,
		Parameters:         cfg.Parameters,
		Cron:               cfg.Cron,
		NotifyOnRebuild:    cfg.NotifyOnRebuild,
		Selectable:         cfg.Selectable,
	}, nil
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	projects := s.svc.Registry().List()
	out := make([]projectView, 0, len(projects))
	for _, cfg := range projects {
		v, err := s.projectView(r, cfg)
		if err != nil {
			respondServiceError(w, reqID, err)
			return
		}
		out = append(out, v)
	}
	respondList(w, reqID, out, &model.Pagination{Total: len(out), Limit: len(out)})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	name := chi.URLParam(r, "name")

	cfg, ok := s.svc.Registry().Get(name)
	if !ok {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("project", name))
		return
	}
	v, err := s.projectView(r, cfg)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	respondOK(w, reqID, v)
}

func (s *Server) handleListPermalinks(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	name := chi.URLParam(r, "name")

	if _, ok := s.svc.Registry().Get(name); !ok {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("project", name))
		return
	}
	links, err := s.svc.Permalinks(r.Context(), name)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	if links == nil {
		links = []*model.Permalink{}
	}
	respondOK(w, reqID, links)
}

func (s *Server) handleGetMasterBuildByNumber(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	name := chi.URLParam(r, "name")
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || number < 1 {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid build number",
			model.FieldError{Field: "number", Message: "must be a positive integer"}))
		return
	}
	b, err := s.svc.GetByNumber(r.Context(), name, number)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	s.respondMasterBuild(w, r, reqID, b)
}

type renameRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type membershipChange struct {
	MasterProjects int `json:"master_projects"`
}

func (s *Server) handleRenameHostProject(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req renameRequest
	if !decodeBody(w, r, reqID, &req) {
		return
	}
	var details []model.FieldError
	if req.From == "" {
		details = append(details, model.FieldError{Field: "from", Message: "from is required"})
	}
	if req.To == "" {
		details = append(details, model.FieldError{Field: "to", Message: "to is required"})
	}
	if len(details) > 0 {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("missing required field", details...))
		return
	}
	respondOK(w, reqID, membershipChange{MasterProjects: s.svc.RenameHostProject(req.From, req.To)})
}

func (s *Server) handleRemoveHostProject(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	name := chi.URLParam(r, "name")
	respondOK(w, reqID, membershipChange{MasterProjects: s.svc.RemoveHostProject(name)})
}
