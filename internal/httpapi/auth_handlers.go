package httpapi

import (
	"net/http"
	"strings"

	"tollgate.org/internal/auth"
)

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type refreshRequest struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Login) == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "login and password are required")
		return
	}
	pair, err := a.auth.Login(r.Context(), auth.LoginRequest{
		Login:    req.Login,
		Password: req.Password,
		RemoteIP: clientIP(r),
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.AccessToken == "" || req.RefreshToken == "" {
		writeError(w, r, http.StatusBadRequest, "access_token and refresh_token are required")
		return
	}
	pair, err := a.auth.Refresh(r.Context(), auth.RefreshRequest{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		RemoteIP:     clientIP(r),
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"data": id})
}
