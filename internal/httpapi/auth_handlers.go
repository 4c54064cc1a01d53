package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"botdeck.io/internal/account"
	"botdeck.io/internal/audit"
	"botdeck.io/internal/password"
	"botdeck.io/internal/token"
)

type adminAccountDTO struct {
	ID            string     `json:"id"`
	LoginID       string     `json:"loginId"`
	Name          string     `json:"name"`
	Role          string     `json:"role"`
	GroupID       string     `json:"groupId,omitempty"`
	GroupRole     string     `json:"groupRole,omitempty"`
	LoginAttempts int        `json:"loginAttempts"`
	LockedUntil   *time.Time `json:"lockedUntil,omitempty"`
	IsActive      bool       `json:"isActive"`
	LastLoginAt   *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

func toAccountDTO(a *account.AdminAccount) adminAccountDTO {
	return adminAccountDTO{
		ID:            a.ID,
		LoginID:       a.LoginID,
		Name:          a.Name,
		Role:          a.Role,
		GroupID:       a.GroupID,
		GroupRole:     a.GroupRole,
		LoginAttempts: a.LoginAttempts,
		LockedUntil:   a.LockedUntil,
		IsActive:      a.IsActive,
		LastLoginAt:   a.LastLoginAt,
		CreatedAt:     a.CreatedAt,
	}
}

func adminPrincipal(a *account.AdminAccount) token.Principal {
	return token.Principal{
		Kind:      token.KindAdmin,
		Subject:   a.ID,
		LoginID:   a.LoginID,
		Name:      a.Name,
		Role:      a.Role,
		GroupID:   a.GroupID,
		GroupRole: a.GroupRole,
	}
}

func actorFromPrincipal(p token.Principal) audit.Actor {
	return audit.Actor{
		Type:    audit.ActorAdmin,
		ID:      p.Subject,
		LoginID: p.LoginID,
		Name:    p.Name,
		Role:    p.Role,
	}
}

func (a *API) adminLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LoginID  string `json:"loginId"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := a.deps.Accounts.Login(r.Context(), req.LoginID, req.Password, requestMeta(r))
	if err != nil {
		var locked *account.LockedError
		switch {
		case errors.As(err, &locked):
			writeJSON(w, http.StatusLocked, map[string]any{
				"error":       "account locked",
				"lockedUntil": locked.Until.UTC().Format(time.RFC3339),
			})
		case errors.Is(err, account.ErrIPNotAllowed):
			respondError(w, http.StatusForbidden, "access from this address is not allowed")
		case errors.Is(err, account.ErrInvalidCredentials), errors.Is(err, account.ErrAccountInactive):
			body := map[string]any{"error": "incorrect credentials"}
			if res.RemainingAttempts != account.RemainingUnlimited {
				body["remainingAttempts"] = res.RemainingAttempts
			}
			writeJSON(w, http.StatusUnauthorized, body)
		default:
			respondError(w, http.StatusInternalServerError, "login failed")
		}
		return
	}

	signed, exp, err := a.deps.Tokens.Issue(adminPrincipal(res.Account), a.deps.TTLs.Admin)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "login failed")
		return
	}
	a.setAuthCookie(w, token.KindAdmin, signed, exp)
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     signed,
		"expiresAt": exp.UTC().Format(time.RFC3339),
		"account":   toAccountDTO(res.Account),
	})
}

func (a *API) adminLogout(w http.ResponseWriter, r *http.Request) {
	a.clearAuthCookie(w, token.KindAdmin)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) adminMe(w http.ResponseWriter, r *http.Request) {
	principal, _ := token.PrincipalFromContext(r.Context())
	acct, err := a.deps.Accounts.Get(r.Context(), principal.Subject)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			respondError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

func (a *API) adminChangePassword(w http.ResponseWriter, r *http.Request) {
	principal, _ := token.PrincipalFromContext(r.Context())
	var req struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := a.deps.Accounts.ChangePassword(r.Context(), principal.Subject, req.CurrentPassword, req.NewPassword, requestMeta(r))
	if err != nil {
		var policy *account.PolicyError
		switch {
		case errors.Is(err, account.ErrInvalidCredentials):
			respondError(w, http.StatusUnauthorized, "incorrect credentials")
		case errors.As(err, &policy):
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":      "password does not meet policy",
				"violations": policy.Violations,
			})
		case errors.Is(err, password.ErrPasswordReuse):
			respondError(w, http.StatusUnprocessableEntity, "password was used recently")
		default:
			respondError(w, http.StatusInternalServerError, "password change failed")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := a.deps.Accounts.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	dtos := make([]adminAccountDTO, 0, len(accounts))
	for _, acct := range accounts {
		dtos = append(dtos, toAccountDTO(acct))
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": dtos})
}

func (a *API) getAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := a.deps.Accounts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			respondError(w, http.StatusNotFound, "account not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

func (a *API) createAccount(w http.ResponseWriter, r *http.Request) {
	principal, _ := token.PrincipalFromContext(r.Context())
	var req struct {
		LoginID   string `json:"loginId"`
		Name      string `json:"name"`
		Role      string `json:"role"`
		GroupID   string `json:"groupId"`
		GroupRole string `json:"groupRole"`
		Password  string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	acct, err := a.deps.Accounts.Create(r.Context(), &account.AdminAccount{
		LoginID:   req.LoginID,
		Name:      req.Name,
		Role:      req.Role,
		GroupID:   req.GroupID,
		GroupRole: req.GroupRole,
	}, req.Password, actorFromPrincipal(principal), requestMeta(r))
	if err != nil {
		var policy *account.PolicyError
		switch {
		case errors.Is(err, account.ErrAlreadyExists):
			respondError(w, http.StatusConflict, "login id already exists")
		case errors.As(err, &policy):
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":      "password does not meet policy",
				"violations": policy.Violations,
			})
		default:
			respondError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(acct))
}

func (a *API) unlockAccount(w http.ResponseWriter, r *http.Request) {
	principal, _ := token.PrincipalFromContext(r.Context())
	err := a.deps.Accounts.Unlock(r.Context(), chi.URLParam(r, "id"), actorFromPrincipal(principal), requestMeta(r))
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			respondError(w, http.StatusNotFound, "account not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "unlock failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) deactivateAccount(w http.ResponseWriter, r *http.Request) {
	principal, _ := token.PrincipalFromContext(r.Context())
	err := a.deps.Accounts.Deactivate(r.Context(), chi.URLParam(r, "id"), actorFromPrincipal(principal), requestMeta(r))
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			respondError(w, http.StatusNotFound, "account not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "deactivate failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
