package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"jp2web/internal/auth"
	"jp2web/internal/errors"
)

type UserStore interface {
	Register(ctx context.Context, email, password string) (*auth.User, error)
	Authenticate(ctx context.Context, email, password string) (*auth.User, error)
}

type AuthHandler struct {
	Users UserStore
	JWT   *auth.JWT
}

type credentialsReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	u, err := h.Users.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, errors.ErrConflict) {
			http.Error(w, "email already used", http.StatusConflict)
			return
		}
		writeError(w, orDefault(nil), err)
		return
	}

	h.issue(w, http.StatusCreated, u.ID)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if auth.NormalizeEmail(req.Email) == "" || req.Password == "" {
		http.Error(w, "invalid input", http.StatusBadRequest)
		return
	}

	u, err := h.Users.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.IsNotFound(err) {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		writeError(w, orDefault(nil), err)
		return
	}

	h.issue(w, http.StatusOK, u.ID)
}

func (h *AuthHandler) issue(w http.ResponseWriter, status int, userID uint64) {
	token, err := h.JWT.Sign(userID)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, status, map[string]any{"token": token})
}
