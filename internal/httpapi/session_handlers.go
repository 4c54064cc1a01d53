package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"botdeck.io/internal/audit"
	"botdeck.io/internal/embed"
	"botdeck.io/internal/ids"
	"botdeck.io/internal/token"
)

// embedSession is the partner-iframe handshake. The partner signs the
// identity assertion with the shared secret and opens
// GET /v1/embed/session?loginId=..&empNo=..&name=..&ts=..&sig=..
func (a *API) embedSession(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	assertion := embed.Assertion{
		LoginID:    q.Get("loginId"),
		EmployeeID: q.Get("empNo"),
		Name:       q.Get("name"),
		Timestamp:  q.Get("ts"),
		Signature:  q.Get("sig"),
	}

	identity, err := a.deps.Embed.Verify(r.Context(), assertion)
	if err != nil {
		entry := audit.Failure(
			audit.Actor{Type: audit.ActorUser, LoginID: assertion.LoginID},
			audit.ActionEmbedLoginFailed, "embed_session", "", err)
		entry.Metadata = map[string]any{"reason": embedFailureReason(err), "emp_no": assertion.EmployeeID}
		requestMeta(r).Apply(&entry)
		a.deps.Trail.Record(r.Context(), entry)

		switch {
		case errors.Is(err, embed.ErrStaleSignature):
			respondError(w, http.StatusUnauthorized, "handshake expired")
		case errors.Is(err, embed.ErrUnknownEmployee):
			respondError(w, http.StatusUnauthorized, "unknown employee")
		default:
			respondError(w, http.StatusUnauthorized, "invalid handshake")
		}
		return
	}

	principal := token.Principal{
		Kind:       token.KindEmbed,
		Subject:    identity.EmployeeID,
		LoginID:    identity.LoginID,
		EmployeeID: identity.EmployeeID,
		Name:       identity.Name,
	}
	signed, exp, err := a.deps.Tokens.Issue(principal, a.deps.TTLs.Embed)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "session issue failed")
		return
	}

	entry := audit.Entry{
		Actor:      audit.Actor{Type: audit.ActorUser, LoginID: identity.LoginID, Name: identity.Name},
		Action:     audit.ActionEmbedLogin,
		EntityType: "embed_session",
		EntityID:   identity.EmployeeID,
		Success:    true,
	}
	requestMeta(r).Apply(&entry)
	a.deps.Trail.Record(r.Context(), entry)

	a.setAuthCookie(w, token.KindEmbed, signed, exp)
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     signed,
		"expiresAt": exp.UTC().Format(time.RFC3339),
		"identity": map[string]any{
			"loginId": identity.LoginID,
			"empNo":   identity.EmployeeID,
			"name":    identity.Name,
		},
	})
}

func embedFailureReason(err error) string {
	switch {
	case errors.Is(err, embed.ErrInvalidSignature):
		return "signature_mismatch"
	case errors.Is(err, embed.ErrStaleSignature):
		return "stale_timestamp"
	case errors.Is(err, embed.ErrUnknownEmployee):
		return "unknown_employee"
	default:
		return "invalid_request"
	}
}

// userSession issues a user-kind token for the portal. The route is only
// reachable behind the corporate SSO gateway, which asserts the identity
// in the request; establishing that identity is outside this service.
func (a *API) userSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EmployeeID string `json:"empNo"`
		Name       string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.EmployeeID) == "" {
		respondError(w, http.StatusBadRequest, "empNo is required")
		return
	}

	principal := token.Principal{
		Kind:       token.KindUser,
		Subject:    req.EmployeeID,
		EmployeeID: req.EmployeeID,
		Name:       req.Name,
	}
	signed, exp, err := a.deps.Tokens.Issue(principal, a.deps.TTLs.User)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "session issue failed")
		return
	}
	a.setAuthCookie(w, token.KindUser, signed, exp)
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     signed,
		"expiresAt": exp.UTC().Format(time.RFC3339),
	})
}

// chatMessage is the gate in front of the chat pipeline. Authenticated
// users and embedded sessions pass through on their token; everyone else
// rides an opaque anonymous session that is throttled and never becomes
// a Principal.
func (a *API) chatMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AppID   string `json:"appId"`
		Message string `json:"message"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondError(w, http.StatusBadRequest, "message is required")
		return
	}

	session := "anonymous"
	if raw, _ := credential(r, token.KindUser); raw != "" {
		if _, err := a.deps.Tokens.Verify(raw, token.KindUser); err == nil {
			session = "user"
		}
	}
	if session == "anonymous" {
		if raw, fromQuery := credential(r, token.KindEmbed); raw != "" {
			if _, err := a.deps.Tokens.Verify(raw, token.KindEmbed); err == nil {
				session = "embed"
				if fromQuery {
					a.setAuthCookie(w, token.KindEmbed, raw, time.Now().Add(a.deps.TTLs.Embed))
				}
			}
		}
	}
	if session == "anonymous" {
		if !a.anon.Allow(a.anonSession(w, r)) {
			respondError(w, http.StatusTooManyRequests, "too many messages, slow down")
			return
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"messageId": ids.New(),
		"session":   session,
	})
}
