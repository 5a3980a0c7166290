package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ephem/cfg"
	"ephem/pkg/domain"
	"ephem/svc/auth"
	"ephem/svc/svc"
	"ephem/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"github.com/skip2/go-qrcode"
)

const (
	defaultListLimit = 50
	maxListLimit     = 100
	qrSize           = 256
	testClockHeader  = "x-test-now-ms"
	sessionCookie    = "session"
	isoMillis        = "2006-01-02T15:04:05.000Z07:00"
)

type Hdl struct {
	paste  *svc.Paste
	acct   *svc.Account
	hasher *auth.Hasher
	cfg    *cfg.Cfg
}

type CreateResp struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type PasteResp struct {
	ID             string  `json:"id"`
	Content        string  `json:"content"`
	Title          string  `json:"title"`
	Syntax         string  `json:"syntax"`
	Privacy        string  `json:"privacy"`
	BurnAfterRead  bool    `json:"burn_after_read"`
	CreatedAt      string  `json:"created_at"`
	ViewCount      int     `json:"view_count"`
	RemainingViews *int    `json:"remaining_views"`
	ExpiresAt      *string `json:"expires_at"`
}

type PasteSummary struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Syntax    string  `json:"syntax"`
	Privacy   string  `json:"privacy"`
	CreatedAt string  `json:"created_at"`
	ViewCount int     `json:"view_count"`
	ExpiresAt *string `json:"expires_at"`
}

type ListResp struct {
	Pastes []PasteSummary `json:"pastes"`
	Total  int            `json:"total"`
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		log.Warn().
			Str("content_type", contentType).
			Str("request_id", requestID).
			Msg("invalid Content-Type header")
		w.WriteHeader(http.StatusUnsupportedMediaType)
		json.NewEncoder(w).Encode(map[string]string{
			"error":      "expected Content-Type: application/json",
			"request_id": requestID,
		})
		return
	}
	// JSON escaping can double the encoded size of the content.
	limit := h.cfg.MaxPasteSize*2 + 4096
	if r.ContentLength > limit {
		log.Warn().Int64("content_length", r.ContentLength).Msg("Content-Length exceeds maximum")
		writeErr(w, domain.ErrPasteTooLarge, requestID)
		return
	}
	if ce := r.Header.Get("Content-Encoding"); ce != "" {
		log.Warn().Str("content_encoding", ce).Msg("compressed content not allowed")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	var fields createFields
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			writeErr(w, domain.ErrPasteTooLarge, requestID)
		case err == io.EOF:
			log.Warn().Msg("empty request body")
			writeErr(w, domain.ErrInvalidRequest, requestID)
		default:
			log.Warn().Err(err).Msg("invalid request")
			writeErr(w, domain.ErrInvalidRequest, requestID)
		}
		return
	}
	params, err := parseCreate(fields)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	viewer, err := h.viewer(r)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	if params.Privacy == domain.PrivacyPrivate && viewer == "" {
		writeErr(w, domain.ErrUnauthorized, requestID)
		return
	}
	params.UserID = viewer

	paste, err := h.paste.Create(r.Context(), params, h.now(r))
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("paste_id", paste.ID).
		Bool("ttl", paste.HasTTL()).
		Bool("max_views", paste.MaxViews != nil).
		Str("privacy", string(paste.Visibility())).
		Msg("paste created")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(CreateResp{ID: paste.ID, URL: h.shareURL(r, paste.ID)})
}

// GetPaste counts a view. Missing, expired, exhausted and someone else's
// private pastes all answer the same 404.
func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	paste, err := h.paste.View(r.Context(), id, sessionToken(r), h.now(r))
	if err != nil {
		if !errors.Is(err, domain.ErrPasteNotFound) {
			log.Error().Err(err).Str("paste_id", id).Msg("view failed")
		}
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("paste_id", id).
		Str("client_ip", util.RedactIP(r.RemoteAddr)).
		Int("views", paste.ViewCount).
		Msg("paste retrieved")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(toPasteResp(paste))
}

// GetPasteQR renders the share link without counting a view.
func (h *Hdl) GetPasteQR(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	viewer, err := h.viewer(r)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	if _, err := h.paste.Peek(r.Context(), id, viewer, h.now(r)); err != nil {
		writeErr(w, err, requestID)
		return
	}
	png, err := qrcode.Encode(h.shareURL(r, id), qrcode.Medium, qrSize)
	if err != nil {
		writeErr(w, errors.Wrap(err, "encode qr"), requestID)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

func (h *Hdl) ListPastes(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), defaultListLimit, 1)
	if err != nil {
		writeErr(w, domain.Invalid("limit must be an integer >= 1"), requestID)
		return
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset, err := queryInt(q.Get("offset"), 0, 0)
	if err != nil {
		writeErr(w, domain.Invalid("offset must be an integer >= 0"), requestID)
		return
	}
	scope := svc.Public()
	switch q.Get("scope") {
	case "", "public":
	case "mine":
		uid, err := h.acct.GetUserIDFromSession(r.Context(), sessionToken(r))
		if err != nil {
			writeErr(w, err, requestID)
			return
		}
		scope = svc.OwnedBy(uid)
	default:
		writeErr(w, domain.Invalid("scope must be one of: public, mine"), requestID)
		return
	}
	pastes, err := h.paste.List(r.Context(), scope, limit, offset, h.now(r))
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	resp := ListResp{Pastes: make([]PasteSummary, 0, len(pastes)), Total: len(pastes)}
	for _, p := range pastes {
		resp.Pastes = append(resp.Pastes, toSummary(p))
	}
	json.NewEncoder(w).Encode(resp)
}

func (h *Hdl) GetPresets(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string][]Preset{"presets": expirationPresets})
}

// now is the request clock. Outside test mode it is always the wall clock.
func (h *Hdl) now(r *http.Request) time.Time {
	if h.cfg.TestMode {
		if v := r.Header.Get(testClockHeader); v != "" {
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
				return time.UnixMilli(ms)
			}
		}
	}
	return time.Now()
}

// viewer resolves the caller's user id, or "" for anonymous callers and
// stale sessions.
func (h *Hdl) viewer(r *http.Request) (string, error) {
	token := sessionToken(r)
	if token == "" {
		return "", nil
	}
	uid, err := h.acct.GetUserIDFromSession(r.Context(), token)
	if errors.Is(err, domain.ErrUnauthorized) {
		return "", nil
	}
	return uid, err
}

func (h *Hdl) shareURL(r *http.Request, id string) string {
	base := h.cfg.BaseURL
	if base == "" {
		host := r.Host
		if host == "" {
			host = "localhost:" + h.cfg.Port
		}
		proto := r.Header.Get("X-Forwarded-Proto")
		if proto == "" {
			proto = "https"
			if strings.HasPrefix(host, "localhost") || strings.HasPrefix(host, "127.0.0.1") {
				proto = "http"
			}
		}
		base = proto + "://" + host
	}
	return base + "/p/" + id
}

func sessionToken(r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	}
	return ""
}

func queryInt(raw string, fallback, floor int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if v < floor {
		return 0, errors.Errorf("%d below %d", v, floor)
	}
	return v, nil
}

func isoTime(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(isoMillis)
}

func expiresAt(p *domain.Paste) *string {
	ms, ok := p.ExpiresAtMillis()
	if !ok {
		return nil
	}
	s := isoTime(ms)
	return &s
}

func toPasteResp(p *domain.Paste) PasteResp {
	return PasteResp{
		ID:             p.ID,
		Content:        p.Content,
		Title:          p.Title,
		Syntax:         p.Syntax,
		Privacy:        string(p.Visibility()),
		BurnAfterRead:  p.BurnAfterRead,
		CreatedAt:      isoTime(p.CreatedAt),
		ViewCount:      p.ViewCount,
		RemainingViews: p.RemainingViews(),
		ExpiresAt:      expiresAt(p),
	}
}

func toSummary(p *domain.Paste) PasteSummary {
	return PasteSummary{
		ID:        p.ID,
		Title:     p.Title,
		Syntax:    p.Syntax,
		Privacy:   string(p.Visibility()),
		CreatedAt: isoTime(p.CreatedAt),
		ViewCount: p.ViewCount,
		ExpiresAt: expiresAt(p),
	}
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	errorMsg := domain.ToResp(err).Error.Msg
	if statusCode >= 500 {
		errorMsg = domain.ErrInternalServer.Msg
		if e, ok := domain.AsErr(err); ok && statusCode == http.StatusServiceUnavailable {
			errorMsg = e.Msg
		}
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error":      errorMsg,
		"request_id": requestID,
	})
}
