package server

import (
	"encoding/base64"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/etsy/jenkins-master-project/internal/master"
	"github.com/etsy/jenkins-master-project/pkg/model"
)

type fileUpload struct {
	Name     string `json:"name"`
	FileName string `json:"file_name"`
	Content  string `json:"content"` // base64
}

type triggerRequest struct {
	SubProjects []string          `json:"sub_projects"`
	Exclude     []string          `json:"exclude"`
	MaxRetries  *int              `json:"max_retries"`
	Parameters  map[string]string `json:"parameters"`
	Files       []fileUpload      `json:"files"`
	TriggeredBy string            `json:"triggered_by"`
}

// masterBuildResponse is the stored record plus the result computed from the
// attempts seen so far.
type masterBuildResponse struct {
	model.MasterBuild
	CurrentResult model.Result `json:"current_result"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	name := chi.URLParam(r, "name")

	var req triggerRequest
	if r.ContentLength != 0 {
		if !decodeBody(w, r, reqID, &req) {
			return
		}
	}
	files := make([]master.FileParameter, 0, len(req.Files))
	for i, f := range req.Files {
		data, err := base64.StdEncoding.DecodeString(f.Content)
		if err != nil {
			respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid file content",
				model.FieldError{Field: "files[" + strconv.Itoa(i) + "].content", Message: "must be base64"}))
			return
		}
		files = append(files, master.FileParameter{Name: f.Name, FileName: f.FileName, Content: data})
	}

	b, err := s.svc.Trigger(r.Context(), name, master.TriggerRequest{
		SubProjects: req.SubProjects,
		Exclude:     req.Exclude,
		MaxRetries:  req.MaxRetries,
		Parameters:  req.Parameters,
		Files:       files,
		TriggeredBy: req.TriggeredBy,
	})
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	snap := b.Snapshot()
	s.logger.Info("master build triggered", "id", snap.ID, "project", snap.Project, "number", snap.Number)
	respondCreated(w, reqID, masterBuildResponse{MasterBuild: snap, CurrentResult: model.ResultNotBuilt})
}

func (s *Server) handleListMasterBuilds(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts := model.DefaultListOptions()
	q := r.URL.Query()
	opts.Project = q.Get("project")
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		opts.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil {
		opts.Offset = v
	}
	opts = opts.Clamp()

	builds, total, err := s.svc.List(r.Context(), opts)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	if builds == nil {
		builds = []*model.MasterBuild{}
	}
	respondList(w, reqID, builds, opts.Page(total))
}

func (s *Server) handleGetMasterBuild(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	b, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	s.respondMasterBuild(w, r, reqID, b)
}

func (s *Server) respondMasterBuild(w http.ResponseWriter, r *http.Request, reqID string, b *master.Build) {
	result, err := b.Result(r.Context())
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	respondOK(w, reqID, masterBuildResponse{MasterBuild: b.Snapshot(), CurrentResult: result})
}

func (s *Server) handleLatestBuilds(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	b, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	latest, err := b.LatestBuilds(r.Context())
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	if latest == nil {
		latest = []*model.Execution{}
	}
	respondOK(w, reqID, latest)
}

type rebuildRequest struct {
	SubProject string `json:"sub_project"`
}

type rebuildResponse struct {
	SubProject string      `json:"sub_project"`
	Cause      model.Cause `json:"cause"`
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req rebuildRequest
	if !decodeBody(w, r, reqID, &req) {
		return
	}
	if req.SubProject == "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field",
				model.FieldError{Field: "sub_project", Message: "sub_project is required"}))
		return
	}
	b, err := s.svc.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	cause, err := b.Rebuild(r.Context(), req.SubProject)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	respondAccepted(w, reqID, rebuildResponse{SubProject: req.SubProject, Cause: cause})
}

type stopResponse struct {
	ID                  string `json:"id"`
	CancelledQueueItems int    `json:"cancelled_queue_items"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	b, err := s.svc.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	if state := b.Snapshot().State; state.IsTerminal() {
		respondError(w, reqID, http.StatusConflict,
			model.NewConflictError("cannot stop master build in state "+string(state)))
		return
	}
	n := b.Stop(r.Context())
	respondOK(w, reqID, stopResponse{ID: id, CancelledQueueItems: n})
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	rc, err := s.svc.OpenFile(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "param"), chi.URLParam(r, "filename"))
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("stream file", "error", err, "request_id", reqID)
	}
}
