package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fleetgate/internal/auth"
	"fleetgate/internal/db"
	"fleetgate/internal/intake"
	"fleetgate/internal/registry"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type testApp struct {
	router *mux.Router
	db     *gorm.DB
	reg    *registry.Store
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=10000"
	d, err := db.Open("sqlite", dsn)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(d))

	creds := auth.NewCredentials(d)
	require.NoError(t, creds.EnsureDefaultAdmin())
	sessions := auth.NewSessions(d, time.Hour)

	reg := registry.NewStore(d)
	r := mux.NewRouter()
	New(reg, intake.New(reg), creds, sessions, false).RegisterRoutes(r)
	return &testApp{router: r, db: d, reg: reg}
}

func (a *testApp) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	a.router.ServeHTTP(rr, req)
	return rr
}

func jsonBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func postJSON(path, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// login проходит форму и возвращает сессионную cookie.
func login(t *testing.T, a *testApp) *http.Cookie {
	t.Helper()
	form := url.Values{"username": {auth.DefaultAdminUsername}, "password": {auth.DefaultAdminPassword}}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := a.do(t, req)
	require.Equal(t, http.StatusSeeOther, rr.Code)
	for _, c := range rr.Result().Cookies() {
		if c.Name == SessionCookie {
			return c
		}
	}
	t.Fatal("session cookie not set")
	return nil
}

func TestRegisterEndpoint(t *testing.T) {
	a := newTestApp(t)

	rr := a.do(t, postJSON("/register", `{"name":"Laptop1","serial_number":"SN-100","os":"Linux","browser":"Firefox"}`))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "success", jsonBody(t, rr)["status"])

	dev, found := a.reg.FindBySerial("SN-100")
	require.True(t, found)
	assert.False(t, dev.IsAuthorized)

	// повтор с тем же серийником
	rr = a.do(t, postJSON("/register", `{"name":"Laptop2","serial_number":"SN-100"}`))
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "Serial number is already registered", jsonBody(t, rr)["message"])
}

func TestRegisterEndpointValidation(t *testing.T) {
	a := newTestApp(t)

	rr := a.do(t, postJSON("/register", `{"serial_number":"SN-1"}`))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "Device name is required", jsonBody(t, rr)["message"])

	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader("name=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr = a.do(t, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "Content-Type must be application/json", jsonBody(t, rr)["message"])
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	a := newTestApp(t)

	form := url.Values{"username": {"admin"}, "password": {"nope"}}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := a.do(t, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	// текст не выдаёт, что именно неверно
	assert.Equal(t, "Invalid username or password", jsonBody(t, rr)["message"])

	form = url.Values{"username": {"ghost"}, "password": {"nope"}}
	req = httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr = a.do(t, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "Invalid username or password", jsonBody(t, rr)["message"])
}

func TestPrivilegedEndpointsRequireSession(t *testing.T) {
	a := newTestApp(t)

	rr := a.do(t, postJSON("/api/devices/authorize-serial", `{"serial_number":"SN-1"}`))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = a.do(t, httptest.NewRequest(http.MethodDelete, "/api/devices/1", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = a.do(t, httptest.NewRequest(http.MethodGet, "/admin", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAuthorizeBySerial(t *testing.T) {
	a := newTestApp(t)
	cookie := login(t, a)

	rr := a.do(t, postJSON("/register", `{"name":"Laptop1","serial_number":"SN-100"}`))
	require.Equal(t, http.StatusOK, rr.Code)

	req := postJSON("/api/devices/authorize-serial", `{"serial_number":"SN-100"}`)
	req.AddCookie(cookie)
	rr = a.do(t, req)
	require.Equal(t, http.StatusOK, rr.Code)

	dev, found := a.reg.FindBySerial("SN-100")
	require.True(t, found)
	assert.True(t, dev.IsAuthorized)

	// неизвестный серийник
	req = postJSON("/api/devices/authorize-serial", `{"serial_number":"SN-404"}`)
	req.AddCookie(cookie)
	rr = a.do(t, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAuthorizeAndUpdateByID(t *testing.T) {
	a := newTestApp(t)
	cookie := login(t, a)

	dev, err := a.reg.Register(registry.NewDevice{Name: "Laptop", Serial: "SN-1", OS: "Linux"})
	require.NoError(t, err)

	req := postJSON("/api/devices/1/authorize", `{"authorized":true}`)
	req.AddCookie(cookie)
	rr := a.do(t, req)
	require.Equal(t, http.StatusOK, rr.Code)

	got, _ := a.reg.Get(dev.ID)
	assert.True(t, got.IsAuthorized)

	upd := httptest.NewRequest(http.MethodPut, "/api/devices/1", strings.NewReader(`{"name":"Renamed"}`))
	upd.Header.Set("Content-Type", "application/json")
	upd.AddCookie(cookie)
	rr = a.do(t, upd)
	require.Equal(t, http.StatusOK, rr.Code)

	got, _ = a.reg.Get(dev.ID)
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, "Linux", got.OS)
	assert.Equal(t, "SN-1", got.Serial())
}

func TestDeleteDevice(t *testing.T) {
	a := newTestApp(t)
	cookie := login(t, a)

	_, err := a.reg.Register(registry.NewDevice{Name: "Laptop", Serial: "SN-1"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodDelete, "/api/devices/1", nil)
	req.AddCookie(cookie)
	rr := a.do(t, req)
	require.Equal(t, http.StatusOK, rr.Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/devices/1", nil)
	req.AddCookie(cookie)
	rr = a.do(t, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestLogoutRevokesSession(t *testing.T) {
	a := newTestApp(t)
	cookie := login(t, a)

	req := httptest.NewRequest(http.MethodGet, "/logout", nil)
	req.AddCookie(cookie)
	rr := a.do(t, req)
	// JSON-ответ, не редирект: HTML-страниц у сервиса нет
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "success", jsonBody(t, rr)["status"])

	var cleared bool
	for _, c := range rr.Result().Cookies() {
		if c.Name == SessionCookie {
			cleared = c.Value == "" && c.MaxAge < 0
		}
	}
	assert.True(t, cleared)

	adm := httptest.NewRequest(http.MethodGet, "/admin", nil)
	adm.AddCookie(cookie)
	rr = a.do(t, adm)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestPublicReadAPI(t *testing.T) {
	a := newTestApp(t)

	for _, d := range []registry.NewDevice{
		{Name: "Office Laptop", Serial: "SN-1", OS: "Windows", Browser: "Edge"},
		{Name: "Phone", Serial: "SN-2", OS: "Android", Browser: "Chrome"},
	} {
		_, err := a.reg.Register(d)
		require.NoError(t, err)
	}

	rr := a.do(t, httptest.NewRequest(http.MethodGet, "/api/devices", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 2, jsonBody(t, rr)["count"])

	rr = a.do(t, httptest.NewRequest(http.MethodGet, "/api/devices/2", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = a.do(t, httptest.NewRequest(http.MethodGet, "/api/devices/99", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = a.do(t, httptest.NewRequest(http.MethodGet, "/api/devices/check?name=Phone", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, jsonBody(t, rr)["exists"])

	rr = a.do(t, httptest.NewRequest(http.MethodGet, "/api/devices/check?name=Ghost", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, jsonBody(t, rr)["exists"])

	rr = a.do(t, httptest.NewRequest(http.MethodGet, "/api/devices/check", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = a.do(t, httptest.NewRequest(http.MethodGet, "/api/devices/search?q=laptop", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 1, jsonBody(t, rr)["count"])

	rr = a.do(t, httptest.NewRequest(http.MethodGet, "/api/devices/search", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = a.do(t, httptest.NewRequest(http.MethodGet, "/api/devices/stats", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	stats, ok := jsonBody(t, rr)["stats"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, stats["total"])
}
