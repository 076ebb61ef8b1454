package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"blueroots.org/internal/auth"
	"blueroots.org/internal/events"
	"blueroots.org/internal/ids"
	"blueroots.org/internal/incidents"
	"blueroots.org/internal/mail"
	"blueroots.org/internal/store/pg"
	"blueroots.org/internal/users"
)

type testAPI struct {
	t       *testing.T
	api     *API
	handler http.Handler
	mock    sqlmock.Sqlmock
	creds   *auth.CredentialService
	feed    *events.Feed
}

func newTestCredentials(t *testing.T, opts ...auth.CredentialOption) *auth.CredentialService {
	t.Helper()
	creds, err := auth.NewCredentialService(auth.CredentialConfig{
		AccessSecret:  "http-access-secret",
		RefreshSecret: "http-refresh-secret",
		Issuer:        "blueroots-test",
	}, opts...)
	require.NoError(t, err)
	return creds
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})

	st := pg.New(db)
	creds := newTestCredentials(t)
	authz, err := auth.NewAuthorizer(creds, st, st)
	require.NoError(t, err)
	notifier := mail.NewNotifier(mail.NewLogSender(zap.NewNop()), "http://localhost:5173")
	userSvc, err := users.NewService(st, creds, notifier, users.WithPasswordCost(bcrypt.MinCost))
	require.NoError(t, err)
	feed := events.NewFeed(4)
	incidentSvc, err := incidents.NewService(st, feed)
	require.NoError(t, err)

	api, err := New(Deps{
		Users:      userSvc,
		Incidents:  incidentSvc,
		Authorizer: authz,
		Tx:         st,
		Feed:       feed,
		Ready:      st,
	}, Options{Version: "test", StreamHeartbeat: time.Hour})
	require.NoError(t, err)

	return &testAPI{t: t, api: api, handler: api.Handler(), mock: mock, creds: creds, feed: feed}
}

func (c *testAPI) do(method, path string, body any, token string) *httptest.ResponseRecorder {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	c.handler.ServeHTTP(rr, req)
	return rr
}

func (c *testAPI) doWithCookies(method, path string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	rr := httptest.NewRecorder()
	c.handler.ServeHTTP(rr, req)
	return rr
}

func responseCookies(rr *httptest.ResponseRecorder) map[string]*http.Cookie {
	out := map[string]*http.Cookie{}
	for _, ck := range rr.Result().Cookies() {
		out[ck.Name] = ck
	}
	return out
}

func (c *testAPI) token(id string) string {
	c.t.Helper()
	tok, _, err := c.creds.IssueAccessToken(auth.Identity{ID: id, Email: id + "@example.org"})
	require.NoError(c.t, err)
	return tok
}

var identityCols = []string{
	"id", "full_name", "email", "password_hash", "is_email_verified",
	"eco_points", "refresh_marker", "created_at", "updated_at",
}

func (c *testAPI) expectIdentity(id string) {
	now := time.Now()
	c.mock.ExpectQuery(regexp.QuoteMeta("from users where id = $1")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(identityCols).
			AddRow(id, "Test User", id+"@example.org", "hash", true, 0, "", now, now))
}

func (c *testAPI) expectRoles(id string, roles ...auth.RoleName) {
	rows := sqlmock.NewRows([]string{"role"})
	for _, r := range roles {
		rows.AddRow(string(r))
	}
	c.mock.ExpectQuery(regexp.QuoteMeta("select role from user_roles where user_id = $1")).
		WithArgs(id).
		WillReturnRows(rows)
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env), rr.Body.String())
	return env
}

func validReport() map[string]any {
	return map[string]any{
		"title":       "Oil slick on the river",
		"description": "A wide oil film is drifting downstream from the old jetty.",
		"category":    "water_pollution",
		"latitude":    -1.2921,
		"longitude":   36.8219,
	}
}

func TestRoutePipelinesPutTransactionFirst(t *testing.T) {
	c := newTestAPI(t)
	assert.Equal(t, []string{"transaction", "authorization"}, c.api.Pipeline(http.MethodPost, "/v1/reports"))
	assert.Equal(t, []string{"transaction", "authorization"}, c.api.Pipeline(http.MethodPatch, "/v1/reports/{id}/verify"))
	assert.Equal(t, []string{"transaction"}, c.api.Pipeline(http.MethodPost, "/v1/users/login"))
	assert.Equal(t, []string{"transaction"}, c.api.Pipeline(http.MethodGet, "/v1/leaderboard"))
}

func TestCreateReportCommitsReportAndPointsTogether(t *testing.T) {
	c := newTestAPI(t)
	citizen := ids.New()
	now := time.Now()

	c.mock.ExpectBegin()
	c.expectIdentity(citizen)
	c.expectRoles(citizen, auth.RoleCitizen)
	c.mock.ExpectQuery(regexp.QuoteMeta("insert into reports")).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	c.mock.ExpectExec(regexp.QuoteMeta("update users set eco_points = eco_points + $2")).
		WithArgs(citizen, incidents.PointsForReport).
		WillReturnResult(sqlmock.NewResult(0, 1))
	c.mock.ExpectCommit()

	rr := c.do(http.MethodPost, "/v1/reports", validReport(), c.token(citizen))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	env := decodeEnvelope(t, rr)
	assert.True(t, env.Success)
	report := env.Data.(map[string]any)
	assert.Equal(t, "pending", report["status"])
	assert.Equal(t, citizen, report["reporter_id"])
}

func TestCreateReportRollsBackWhenPointsFail(t *testing.T) {
	c := newTestAPI(t)
	citizen := ids.New()
	now := time.Now()

	c.mock.ExpectBegin()
	c.expectIdentity(citizen)
	c.expectRoles(citizen, auth.RoleCitizen)
	c.mock.ExpectQuery(regexp.QuoteMeta("insert into reports")).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	c.mock.ExpectExec(regexp.QuoteMeta("update users set eco_points")).
		WillReturnError(errors.New("connection reset"))
	c.mock.ExpectRollback()

	rr := c.do(http.MethodPost, "/v1/reports", validReport(), c.token(citizen))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	env := decodeEnvelope(t, rr)
	assert.False(t, env.Success)
	assert.Equal(t, "internal server error", env.Message)
}

func TestExpiredTokenIsRejectedAndTransactionAborted(t *testing.T) {
	c := newTestAPI(t)
	past := time.Now().Add(-time.Hour)
	stale := newTestCredentials(t, auth.WithClock(func() time.Time { return past }))
	token, _, err := stale.IssueAccessToken(auth.Identity{ID: ids.New()})
	require.NoError(t, err)

	c.mock.ExpectBegin()
	c.mock.ExpectRollback()

	rr := c.do(http.MethodPost, "/v1/reports", validReport(), token)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("WWW-Authenticate"))
	env := decodeEnvelope(t, rr)
	assert.False(t, env.Success)
	assert.Equal(t, "invalid or expired token", env.Message)
}

func TestRoleGateRejectsOtherRoles(t *testing.T) {
	c := newTestAPI(t)
	ngo := ids.New()

	c.mock.ExpectBegin()
	c.expectIdentity(ngo)
	c.expectRoles(ngo, auth.RoleNGO)
	c.mock.ExpectRollback()

	rr := c.do(http.MethodPost, "/v1/reports", validReport(), c.token(ngo))
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "insufficient permissions", decodeEnvelope(t, rr).Message)
}

func TestMissingCredentialOnRead(t *testing.T) {
	c := newTestAPI(t)

	rr := c.do(http.MethodGet, "/v1/users/me", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "authentication required", decodeEnvelope(t, rr).Message)
	assert.Contains(t, rr.Body.String(), `"data":null`)
}

func TestReadsOpenNoTransaction(t *testing.T) {
	c := newTestAPI(t)
	c.mock.ExpectQuery(regexp.QuoteMeta("from users")).
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "full_name", "eco_points"}).
			AddRow("a", "Ada", 50).
			AddRow("b", "Grace", 30))

	rr := c.do(http.MethodGet, "/v1/leaderboard", nil, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	entries := decodeEnvelope(t, rr).Data.([]any)
	require.Len(t, entries, 2)
	assert.EqualValues(t, 1, entries[0].(map[string]any)["rank"])
	assert.EqualValues(t, 2, entries[1].(map[string]any)["rank"])
}

func TestMalformedReportIDIsNotFound(t *testing.T) {
	c := newTestAPI(t)
	reader := ids.New()
	c.expectIdentity(reader)

	rr := c.do(http.MethodGet, "/v1/reports/not-an-id", nil, c.token(reader))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRegisterRejectsPrivilegedRole(t *testing.T) {
	c := newTestAPI(t)
	c.mock.ExpectBegin()
	c.mock.ExpectRollback()

	rr := c.do(http.MethodPost, "/v1/users/register", map[string]any{
		"fullName": "Mallory",
		"email":    "mallory@example.org",
		"password": "correct-horse",
		"role":     "GOVERNMENT",
	}, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decodeEnvelope(t, rr).Message, "cannot be self-assigned")
}

func TestInvalidJSONIsBadRequest(t *testing.T) {
	c := newTestAPI(t)
	c.mock.ExpectBegin()
	c.mock.ExpectRollback()

	req := httptest.NewRequest(http.MethodPost, "/v1/users/login", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	c.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid JSON body", decodeEnvelope(t, rr).Message)
}

func TestUnknownRouteUsesEnvelope(t *testing.T) {
	c := newTestAPI(t)
	rr := c.do(http.MethodGet, "/v1/nowhere", nil, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.False(t, decodeEnvelope(t, rr).Success)
}

func TestReadyzPingsDatabase(t *testing.T) {
	c := newTestAPI(t)
	c.mock.ExpectPing().WillReturnError(errors.New("down"))

	rr := c.do(http.MethodGet, "/readyz", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	env := decodeEnvelope(t, rr)
	assert.False(t, env.Success)
	assert.Equal(t, "not_ready", env.Data.(map[string]any)["status"])
}

func TestHealthzUsesEnvelope(t *testing.T) {
	c := newTestAPI(t)

	rr := c.do(http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	env := decodeEnvelope(t, rr)
	assert.True(t, env.Success)
	assert.Equal(t, "test", env.Data.(map[string]any)["version"])
}

func TestLoginSetsSessionCookies(t *testing.T) {
	c := newTestAPI(t)
	id := ids.New()
	hash, err := auth.HashPasswordCost("correct-horse", bcrypt.MinCost)
	require.NoError(t, err)
	now := time.Now()

	c.mock.ExpectBegin()
	c.mock.ExpectQuery(regexp.QuoteMeta("from users where email = $1")).
		WithArgs("ada@example.org").
		WillReturnRows(sqlmock.NewRows(identityCols).
			AddRow(id, "Ada", "ada@example.org", hash, true, 0, "", now, now))
	c.expectRoles(id, auth.RoleCitizen)
	c.mock.ExpectExec(regexp.QuoteMeta("update users set refresh_marker = $2")).
		WithArgs(id, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	c.mock.ExpectCommit()

	rr := c.do(http.MethodPost, "/v1/users/login", map[string]any{
		"email":    "Ada@example.org",
		"password": "correct-horse",
	}, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	cookies := responseCookies(rr)
	access := cookies[accessTokenCookie]
	require.NotNil(t, access)
	assert.NotEmpty(t, access.Value)
	assert.False(t, access.HttpOnly, "the web client reads the access token")
	assert.Equal(t, http.SameSiteStrictMode, access.SameSite)
	assert.Equal(t, "/", access.Path)
	assert.Positive(t, access.MaxAge)

	refresh := cookies[refreshTokenCookie]
	require.NotNil(t, refresh)
	assert.True(t, refresh.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, refresh.SameSite)
	assert.Equal(t, refreshCookiePath, refresh.Path)
	assert.Positive(t, refresh.MaxAge)

	_, err = c.creds.VerifyToken(access.Value, auth.AccessToken)
	assert.NoError(t, err)
	_, err = c.creds.VerifyToken(refresh.Value, auth.RefreshToken)
	assert.NoError(t, err)
}

func TestLogoutExpiresBothCookies(t *testing.T) {
	c := newTestAPI(t)
	id := ids.New()

	c.mock.ExpectBegin()
	c.expectIdentity(id)
	c.mock.ExpectExec(regexp.QuoteMeta("update users set refresh_marker = $2")).
		WithArgs(id, "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	c.mock.ExpectCommit()

	rr := c.doWithCookies(http.MethodPost, "/v1/users/logout", nil,
		&http.Cookie{Name: accessTokenCookie, Value: c.token(id)})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), `"data":null`)

	cookies := responseCookies(rr)
	for name, path := range map[string]string{accessTokenCookie: "/", refreshTokenCookie: refreshCookiePath} {
		ck := cookies[name]
		require.NotNil(t, ck, name)
		assert.Empty(t, ck.Value, name)
		assert.Negative(t, ck.MaxAge, name)
		assert.Equal(t, path, ck.Path, name)
		assert.Equal(t, http.SameSiteStrictMode, ck.SameSite, name)
	}
}

func TestRefreshReadsCookieWhenBodyIsEmpty(t *testing.T) {
	c := newTestAPI(t)
	id := ids.New()
	refresh, _, err := c.creds.IssueRefreshToken(auth.Identity{ID: id})
	require.NoError(t, err)

	c.mock.ExpectBegin()
	c.expectIdentity(id)
	c.expectRoles(id, auth.RoleCitizen)
	c.mock.ExpectCommit()

	rr := c.doWithCookies(http.MethodPost, "/v1/users/refresh-token", nil,
		&http.Cookie{Name: refreshTokenCookie, Value: refresh})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	cookies := responseCookies(rr)
	access := cookies[accessTokenCookie]
	require.NotNil(t, access)
	_, err = c.creds.VerifyToken(access.Value, auth.AccessToken)
	assert.NoError(t, err)
	assert.NotContains(t, cookies, refreshTokenCookie, "refresh tokens are not rotated")
}

func TestRefreshTokenIsNotAnAccessCredential(t *testing.T) {
	c := newTestAPI(t)
	refresh, _, err := c.creds.IssueRefreshToken(auth.Identity{ID: ids.New()})
	require.NoError(t, err)

	c.mock.ExpectBegin()
	c.mock.ExpectRollback()

	rr := c.do(http.MethodPost, "/v1/reports", validReport(), refresh)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "invalid or expired token", decodeEnvelope(t, rr).Message)
	assert.Contains(t, rr.Body.String(), `"data":null`)
}

func TestAlertStreamDeliversNewAlerts(t *testing.T) {
	c := newTestAPI(t)
	viewer := ids.New()
	c.expectIdentity(viewer)

	srv := httptest.NewServer(c.handler)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/alerts/stream", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: accessTokenCookie, Value: c.token(viewer)})

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": stream started\n", line)

	require.Eventually(t, func() bool { return c.feed.Subscribers() == 1 }, time.Second, 10*time.Millisecond)
	alert := incidents.Alert{ID: ids.New(), Title: "Evacuate riverside", Severity: incidents.SeverityHigh}
	require.NoError(t, c.feed.Publish(context.Background(), events.New(events.ReportVerified, incidents.Report{})))
	require.NoError(t, c.feed.Publish(context.Background(), events.New(events.AlertCreated, alert)))

	var eventLine, dataLine string
	for dataLine == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = strings.TrimSpace(line)
		case strings.HasPrefix(line, "data: "):
			dataLine = strings.TrimPrefix(strings.TrimSpace(line), "data: ")
		}
	}
	assert.Equal(t, "event: alert.created", eventLine)
	var got incidents.Alert
	require.NoError(t, json.Unmarshal([]byte(dataLine), &got))
	assert.Equal(t, alert.ID, got.ID)
	assert.Equal(t, incidents.SeverityHigh, got.Severity)
}
