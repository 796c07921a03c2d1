package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/opal-compute/gateway/core/controlplane/admission"
)

type createUserRequest struct {
	Token string `json:"token"`
	admission.UserSpec
}

type updateUserRequest struct {
	Token string `json:"token"`
	admission.UserPatch
}

func (s *server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req createUserRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, r, badRequest("invalid json"))
		return
	}
	actor, err := s.pipeline.AuthenticateAdmin(r.Context(), callerFrom(r, req.Token))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.Role == "" {
		req.Role = admission.RoleStandard
	}
	issued, err := s.users.CreateUser(r.Context(), actor, req.UserSpec)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, issued)
}

func (s *server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	actor, err := s.pipeline.AuthenticateAdmin(r.Context(), callerFrom(r, ""))
	if err != nil {
		writeError(w, r, err)
		return
	}
	users, err := s.users.ListUsers(r.Context(), actor, admission.UserFilter(r.URL.Query().Get("role")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	actor, err := s.pipeline.Authenticate(r.Context(), callerFrom(r, ""))
	if err != nil {
		writeError(w, r, err)
		return
	}
	user, err := s.users.GetUser(r.Context(), actor, r.PathValue("name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req updateUserRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, r, badRequest("invalid json"))
		return
	}
	actor, err := s.pipeline.AuthenticateAdmin(r.Context(), callerFrom(r, req.Token))
	if err != nil {
		writeError(w, r, err)
		return
	}
	user, err := s.users.UpdateUser(r.Context(), actor, r.PathValue("name"), req.UserPatch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *server) handleResetUserToken(w http.ResponseWriter, r *http.Request) {
	token, err := readToken(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	actor, err := s.pipeline.AuthenticateAdmin(r.Context(), callerFrom(r, token))
	if err != nil {
		writeError(w, r, err)
		return
	}
	issued, err := s.users.ResetToken(r.Context(), actor, r.PathValue("name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, issued)
}

func (s *server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	actor, err := s.pipeline.AuthenticateAdmin(r.Context(), callerFrom(r, ""))
	if err != nil {
		writeError(w, r, err)
		return
	}
	name := r.PathValue("name")
	if err := s.users.DeleteUser(r.Context(), actor, name); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK", "deleted": name})
}
