package api

import (
	"encoding/json"
	"net/http"
	"net/mail"
	"strings"
	"unicode/utf8"

	"ephem/pkg/domain"
	"ephem/svc/util"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
)

const (
	minUsername = 3
	maxUsername = 20
	minPassword = 6
	maxAuthBody = 16 * 1024
)

type RegisterReq struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthResp struct {
	User  *domain.User `json:"user"`
	Token string       `json:"token,omitempty"`
}

func (h *Hdl) Register(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	var req RegisterReq
	if err := decodeSmall(w, r, &req); err != nil {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	if req.Username == "" || req.Email == "" || req.Password == "" {
		writeErr(w, domain.Invalid("username, email, and password are required"), requestID)
		return
	}
	if n := utf8.RuneCountInString(req.Username); n < minUsername || n > maxUsername {
		writeErr(w, domain.Invalid("username must be between 3 and 20 characters"), requestID)
		return
	}
	if len(req.Password) < minPassword {
		writeErr(w, domain.Invalid("password must be at least 6 characters"), requestID)
		return
	}
	// Only a bare address is accepted; display-name forms would give one
	// mailbox several distinct keys.
	addr, err := mail.ParseAddress(req.Email)
	if err != nil || addr.Address != strings.TrimSpace(req.Email) {
		writeErr(w, domain.Invalid("email must be a valid address"), requestID)
		return
	}
	hash, err := h.hasher.Hash(r.Context(), req.Password)
	if err != nil {
		writeErr(w, errors.Wrap(err, "hash password"), requestID)
		return
	}
	user, err := h.acct.CreateUser(r.Context(), sanitizeLine(req.Username), addr.Address, hash, h.now(r))
	if err != nil {
		if errors.Is(err, domain.ErrEmailTaken) {
			log.Info().Str("email", util.RedactEmail(req.Email)).Msg("registration with taken email")
		}
		writeErr(w, err, requestID)
		return
	}
	token, err := h.acct.CreateSession(r.Context(), user.ID)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	log.Info().Str("user_id", user.ID).Msg("user registered")
	h.setSession(w, token)
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(AuthResp{User: user, Token: token})
}

// Login answers unknown emails and wrong passwords identically, and runs a
// full verify for both.
func (h *Hdl) Login(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	var req LoginReq
	if err := decodeSmall(w, r, &req); err != nil {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	if req.Email == "" || req.Password == "" {
		writeErr(w, domain.Invalid("email and password are required"), requestID)
		return
	}
	user, hash, err := h.acct.GetUserByEmail(r.Context(), req.Email)
	if err != nil && !errors.Is(err, domain.ErrUserNotFound) {
		writeErr(w, err, requestID)
		return
	}
	if !h.hasher.Verify(req.Password, hash) || user == nil {
		log.Warn().
			Str("email", util.RedactEmail(req.Email)).
			Str("client_ip", util.RedactIP(r.RemoteAddr)).
			Msg("failed login")
		writeErr(w, domain.ErrInvalidCredentials, requestID)
		return
	}
	token, err := h.acct.CreateSession(r.Context(), user.ID)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	h.setSession(w, token)
	json.NewEncoder(w).Encode(AuthResp{User: user, Token: token})
}

func (h *Hdl) Logout(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	token := sessionToken(r)
	if err := h.acct.DeleteSession(r.Context(), token); err != nil {
		writeErr(w, err, requestID)
		return
	}
	if token != "" {
		hlog.FromRequest(r).Debug().Str("session", util.RedactToken(token)).Msg("session ended")
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

func (h *Hdl) Me(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	uid, err := h.acct.GetUserIDFromSession(r.Context(), sessionToken(r))
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	user, err := h.acct.GetUserByID(r.Context(), uid)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(AuthResp{User: user})
}

func (h *Hdl) setSession(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(domain.SessionLifetime.Seconds()),
		HttpOnly: true,
		Secure:   h.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func decodeSmall(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxAuthBody)
	return json.NewDecoder(r.Body).Decode(v)
}
