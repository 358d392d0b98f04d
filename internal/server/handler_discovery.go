package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "Master Build API",
		Version:     "v1",
		Description: "Fan-out master builds over independently scheduled sub-builds",
		Endpoints: []endpointInfo{
			{"/api/v1/projects", []string{"GET"}, "Configured master projects"},
			{"/api/v1/projects/{name}", []string{"GET"}, "Master project with resolved members"},
			{"/api/v1/projects/{name}/builds", []string{"POST"}, "Trigger a master build"},
			{"/api/v1/projects/{name}/builds/{number}", []string{"GET"}, "Master build by number"},
			{"/api/v1/projects/{name}/permalinks", []string{"GET"}, "Last successful and last stable master builds"},
			{"/api/v1/masterbuilds", []string{"GET"}, "Master builds, newest first"},
			{"/api/v1/masterbuilds/{id}", []string{"GET"}, "Master build with attempts and current result"},
			{"/api/v1/masterbuilds/{id}/latest", []string{"GET"}, "Latest execution of every sub-project"},
			{"/api/v1/masterbuilds/{id}/rebuild", []string{"POST"}, "Rebuild one sub-project"},
			{"/api/v1/masterbuilds/{id}/stop", []string{"PUT"}, "Stop a master build"},
			{"/api/v1/masterbuilds/{id}/files/{param}/{filename}", []string{"GET"}, "Staged file parameter"},
			{"/api/v1/hostprojects/rename", []string{"POST"}, "Follow a host project rename"},
			{"/api/v1/hostprojects/{name}", []string{"DELETE"}, "Follow a host project deletion"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
		},
	})
}
