package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"fleetgate/internal/auth"
	"fleetgate/internal/intake"
	"fleetgate/internal/models"
	"fleetgate/internal/registry"

	"github.com/gorilla/mux"
)

// SessionCookie — имя cookie с токеном админской сессии.
const SessionCookie = "session"

type Handlers struct {
	reg      *registry.Store
	intake   *intake.Intake
	creds    *auth.Credentials
	sessions *auth.Sessions
	secure   bool // Secure-флаг на cookie (включается в проде)
}

func New(reg *registry.Store, in *intake.Intake, creds *auth.Credentials, sessions *auth.Sessions, secureCookies bool) *Handlers {
	return &Handlers{reg: reg, intake: in, creds: creds, sessions: sessions, secure: secureCookies}
}

func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/register", h.registerDevice).Methods(http.MethodPost)
	r.HandleFunc("/login", h.login).Methods(http.MethodPost)
	r.HandleFunc("/logout", h.logout).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/admin", h.requireSession(h.adminDevices)).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	// Чтение открыто: потребители используют это как публичный read-API.
	api.HandleFunc("/devices", h.listDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices/check", h.checkDevice).Methods(http.MethodGet)
	api.HandleFunc("/devices/search", h.searchDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices/stats", h.deviceStats).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id:[0-9]+}", h.getDevice).Methods(http.MethodGet)

	// Мутации только под сессией.
	api.HandleFunc("/devices/authorize-serial", h.requireSession(h.authorizeBySerial)).Methods(http.MethodPost)
	api.HandleFunc("/devices/{id:[0-9]+}", h.requireSession(h.updateDevice)).Methods(http.MethodPut)
	api.HandleFunc("/devices/{id:[0-9]+}", h.requireSession(h.deleteDevice)).Methods(http.MethodDelete)
	api.HandleFunc("/devices/{id:[0-9]+}/authorize", h.requireSession(h.authorizeDevice)).Methods(http.MethodPost)
}

// ---------------------------------------------------------------- helpers

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeStatus — конверт портала {status, message}.
func writeStatus(w http.ResponseWriter, code int, status, message string) {
	writeJSON(w, code, map[string]string{"status": status, "message": message})
}

// clientIP — best-effort адрес клиента с учётом прокси.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}

func pathID(r *http.Request) uint {
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	return uint(id)
}

// requireSession валидирует токен на каждом запросе; кэшированной
// личности между запросами не существует.
func (h *Handlers) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(SessionCookie)
		if err != nil {
			models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "authentication required", nil)
			return
		}
		if _, ok := h.sessions.Authenticate(c.Value); !ok {
			models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "authentication required", nil)
			return
		}
		next(w, r)
	}
}

// ---------------------------------------------------------------- intake

// POST /register — одношаговая регистрация с веб-формы.
func (h *Handlers) registerDevice(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		writeStatus(w, http.StatusBadRequest, "error", "Content-Type must be application/json")
		return
	}
	var in struct {
		Name         string `json:"name"`
		SerialNumber string `json:"serial_number"`
		OS           string `json:"os"`
		Browser      string `json:"browser"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeStatus(w, http.StatusBadRequest, "error", "Invalid JSON data")
		return
	}

	_, rej := h.intake.Submit(in.Name, in.SerialNumber, in.OS, in.Browser, clientIP(r))
	if rej != nil {
		code := http.StatusBadRequest
		switch rej.Kind {
		case intake.DuplicateSerial:
			code = http.StatusConflict
		case intake.StorageFailed:
			code = http.StatusInternalServerError
		}
		writeStatus(w, code, "error", rej.Message)
		return
	}
	writeStatus(w, http.StatusOK, "success", "Device registered successfully")
}

// ---------------------------------------------------------------- auth

// POST /login — form-пара username/password, на успех ставит cookie.
func (h *Handlers) login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeStatus(w, http.StatusBadRequest, "error", "cannot parse form")
		return
	}
	username := strings.TrimSpace(r.Form.Get("username"))
	password := r.Form.Get("password")
	if username == "" || password == "" {
		writeStatus(w, http.StatusBadRequest, "error", "Username and password are required")
		return
	}

	// один и тот же ответ на неизвестный логин и неверный пароль
	if utf8.RuneCountInString(username) > 50 {
		writeStatus(w, http.StatusUnauthorized, "error", "Invalid username or password")
		return
	}
	adminID, ok := h.creds.VerifyAndMigrate(username, password)
	if !ok {
		writeStatus(w, http.StatusUnauthorized, "error", "Invalid username or password")
		return
	}

	token := h.sessions.Issue(adminID, username)
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.sessions.TTL().Seconds()),
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/admin", http.StatusSeeOther)
}

func (h *Handlers) logout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(SessionCookie); err == nil {
		h.sessions.Revoke(c.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	// HTML-страниц у сервиса нет, редиректить после выхода некуда
	writeStatus(w, http.StatusOK, "success", "Logged out successfully")
}

// GET /admin — список устройств для залогиненного админа.
func (h *Handlers) adminDevices(w http.ResponseWriter, _ *http.Request) {
	devices, err := h.reg.List(0)
	if err != nil {
		writeStatus(w, http.StatusInternalServerError, "error", "Database error occurred")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"count":   len(devices),
		"devices": devices,
	})
}

// ---------------------------------------------------------------- read API

func (h *Handlers) listDevices(w http.ResponseWriter, _ *http.Request) {
	devices, err := h.reg.List(0)
	if err != nil {
		writeStatus(w, http.StatusInternalServerError, "error", "Database error occurred")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"count":   len(devices),
		"devices": devices,
	})
}

func (h *Handlers) getDevice(w http.ResponseWriter, r *http.Request) {
	dev, found := h.reg.Get(pathID(r))
	if !found {
		writeStatus(w, http.StatusNotFound, "error", "Device not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "device": dev})
}

func (h *Handlers) checkDevice(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		writeStatus(w, http.StatusBadRequest, "error", "Device name parameter is required")
		return
	}
	dev, found := h.reg.FindByName(name)
	if !found {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "success",
			"exists":  false,
			"message": "Device not found",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"exists": true,
		"device": dev,
	})
}

func (h *Handlers) searchDevices(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeStatus(w, http.StatusBadRequest, "error", "Search query parameter 'q' is required")
		return
	}
	devices, err := h.reg.Search(query)
	if err != nil {
		writeStatus(w, http.StatusInternalServerError, "error", "Database error occurred")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"query":   query,
		"count":   len(devices),
		"devices": devices,
	})
}

func (h *Handlers) deviceStats(w http.ResponseWriter, _ *http.Request) {
	st, err := h.reg.Stats()
	if err != nil {
		writeStatus(w, http.StatusInternalServerError, "error", "Database error occurred")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "stats": st})
}

// ---------------------------------------------------------------- mutations

// PUT /api/devices/{id} — только описательные поля; серийник и
// авторизация этим путём не меняются.
func (h *Handlers) updateDevice(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	cur, found := h.reg.Get(id)
	if !found {
		writeStatus(w, http.StatusNotFound, "error", "Device not found")
		return
	}

	var in struct {
		Name    *string `json:"name"`
		OS      *string `json:"os"`
		Browser *string `json:"browser"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeStatus(w, http.StatusBadRequest, "error", "Invalid JSON data")
		return
	}
	name, osName, browser := cur.Name, cur.OS, cur.Browser
	if in.Name != nil {
		name = *in.Name
	}
	if in.OS != nil {
		osName = *in.OS
	}
	if in.Browser != nil {
		browser = *in.Browser
	}

	if err := h.reg.Update(id, name, osName, browser); err != nil {
		var verr *registry.ValidationError
		switch {
		case errors.As(err, &verr):
			writeStatus(w, http.StatusBadRequest, "error", verr.Error())
		case errors.Is(err, registry.ErrNotFound):
			writeStatus(w, http.StatusNotFound, "error", "Device not found")
		default:
			writeStatus(w, http.StatusInternalServerError, "error", "Database error occurred")
		}
		return
	}
	writeStatus(w, http.StatusOK, "success", "Device updated successfully")
}

func (h *Handlers) deleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := h.reg.Delete(pathID(r)); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeStatus(w, http.StatusNotFound, "error", "Device not found")
			return
		}
		writeStatus(w, http.StatusInternalServerError, "error", "Database error occurred")
		return
	}
	writeStatus(w, http.StatusOK, "success", "Device deleted successfully")
}

// POST /api/devices/{id}/authorize — body {"authorized": bool}, по
// умолчанию true.
func (h *Handlers) authorizeDevice(w http.ResponseWriter, r *http.Request) {
	authorized := true
	var in struct {
		Authorized *bool `json:"authorized"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err == nil && in.Authorized != nil {
		authorized = *in.Authorized
	}
	if err := h.reg.SetAuthorizationByID(pathID(r), authorized); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeStatus(w, http.StatusNotFound, "error", "Device not found")
			return
		}
		writeStatus(w, http.StatusInternalServerError, "error", "Database error occurred")
		return
	}
	writeStatus(w, http.StatusOK, "success", "Device authorization updated")
}

// POST /api/devices/authorize-serial — body {"serial_number", "authorized"?}.
func (h *Handlers) authorizeBySerial(w http.ResponseWriter, r *http.Request) {
	var in struct {
		SerialNumber string `json:"serial_number"`
		Authorized   *bool  `json:"authorized"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeStatus(w, http.StatusBadRequest, "error", "Invalid JSON data")
		return
	}
	serial := strings.TrimSpace(in.SerialNumber)
	if serial == "" {
		writeStatus(w, http.StatusBadRequest, "error", "Serial number is required")
		return
	}
	authorized := true
	if in.Authorized != nil {
		authorized = *in.Authorized
	}
	if err := h.reg.SetAuthorizationBySerial(serial, authorized); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeStatus(w, http.StatusNotFound, "error", "Device not found")
			return
		}
		writeStatus(w, http.StatusInternalServerError, "error", "Database error occurred")
		return
	}
	writeStatus(w, http.StatusOK, "success", "Device authorization updated")
}
