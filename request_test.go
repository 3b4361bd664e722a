package fcgiapp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestApp(t *testing.T) *Application {
	cfg := &Config{
		Charset:       "utf-8",
		MaxFormBytes:  1 << 20,
		TempDir:       t.TempDir(),
		SessionBits:   6,
		SessionCookie: "SID",
		SessionTTL:    time.Hour,
		GCProbability: 0,
	}
	return New(cfg, zap.NewNop())
}

func TestRequestEnvRewritesServerSoftware(t *testing.T) {
	app := newTestApp(t)
	tx, _ := newTestTransaction(map[string]string{"SERVER_SOFTWARE": "nginx/1.2"}, "")
	req := newRequest(app, tx)

	require.Contains(t, req.Env()["SERVER_SOFTWARE"], "nginx/1.2 fcgiapp/")
}

func TestRequestURLFromEnv(t *testing.T) {
	app := newTestApp(t)
	tx, _ := newTestTransaction(map[string]string{
		"SERVER_NAME":  "example.com",
		"SERVER_PORT":  "8080",
		"SCRIPT_NAME":  "/app",
		"PATH_INFO":    "/users",
		"QUERY_STRING": "id=1",
	}, "")
	req := newRequest(app, tx)

	u := req.URL()
	require.Equal(t, "http", u.Scheme)
	require.Equal(t, "example.com", u.Host)
	require.EqualValues(t, 8080, u.Port)
	require.Equal(t, "/app/users", u.Path)
	require.Equal(t, "id=1", u.Query)
}

func TestRequestURLHTTPSScheme(t *testing.T) {
	app := newTestApp(t)
	tx, _ := newTestTransaction(map[string]string{"HTTPS": "on", "SERVER_NAME": "example.com"}, "")
	req := newRequest(app, tx)
	require.Equal(t, "https", req.URL().Scheme)
}

func TestRequestGetQueryParams(t *testing.T) {
	app := newTestApp(t)
	tx, _ := newTestTransaction(map[string]string{"QUERY_STRING": "a=1&b=2"}, "")
	req := newRequest(app, tx)

	get := req.Get()
	require.Equal(t, "1", get.Get("a"))
	require.Equal(t, "2", get.Get("b"))
}

func TestRequestPostURLEncoded(t *testing.T) {
	app := newTestApp(t)
	tx, _ := newTestTransaction(map[string]string{
		"CONTENT_TYPE": "application/x-www-form-urlencoded",
	}, "name=ada&age=30")
	req := newRequest(app, tx)

	post, err := req.Post(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ada", post["name"])
	require.Equal(t, "30", post["age"])
}

func TestRequestCookies(t *testing.T) {
	app := newTestApp(t)
	tx, _ := newTestTransaction(map[string]string{"HTTP_COOKIE": "SID=abc123; theme=dark"}, "")
	req := newRequest(app, tx)

	cookies := req.Cookies()
	require.Equal(t, "abc123", cookies["SID"])
	require.Equal(t, "dark", cookies["theme"])
}

func TestRequestCookiesNoSpaceAfterSemicolon(t *testing.T) {
	app := newTestApp(t)
	tx, _ := newTestTransaction(map[string]string{"HTTP_COOKIE": "SID=abc;theme=dark"}, "")
	req := newRequest(app, tx)

	cookies := req.Cookies()
	require.Equal(t, "abc", cookies["SID"])
	require.Equal(t, "dark", cookies["theme"])
}

func TestRequestCookiesExtraSpacesAfterSemicolon(t *testing.T) {
	app := newTestApp(t)
	tx, _ := newTestTransaction(map[string]string{"HTTP_COOKIE": "SID=abc;  theme=dark"}, "")
	req := newRequest(app, tx)

	cookies := req.Cookies()
	require.Equal(t, "abc", cookies["SID"])
	require.Equal(t, "dark", cookies["theme"])
}

func TestRequestSessionIDMintsFreshWhenNoCookie(t *testing.T) {
	app := newTestApp(t)
	tx, _ := newTestTransaction(map[string]string{}, "")
	req := newRequest(app, tx)

	id, err := req.SessionID(context.Background())
	require.NoError(t, err)
	require.Len(t, id, 27)

	data, err := req.Session(context.Background())
	require.NoError(t, err)
	require.Nil(t, data)
}

func TestRequestSessionIDReusesValidCookie(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	store := app.sessions
	require.NoError(t, store.Write(ctx, "abc123def456abc123def456ab", SessionData{"user": "ada"}))

	tx, _ := newTestTransaction(map[string]string{"HTTP_COOKIE": "SID=abc123def456abc123def456ab"}, "")
	req := newRequest(app, tx)

	id, err := req.SessionID(ctx)
	require.NoError(t, err)
	require.Equal(t, "abc123def456abc123def456ab", id)

	data, err := req.Session(ctx)
	require.NoError(t, err)
	require.Equal(t, "ada", data["user"])
}

func TestRequestReferringURL(t *testing.T) {
	app := newTestApp(t)
	tx, _ := newTestTransaction(map[string]string{"HTTP_REFERER": "http://example.com/from"}, "")
	req := newRequest(app, tx)

	ref := req.ReferringURL()
	require.NotNil(t, ref)
	require.Equal(t, "example.com", ref.Host)
	require.Equal(t, "/from", ref.Path)
}

func TestRequestMethod(t *testing.T) {
	app := newTestApp(t)
	tx, _ := newTestTransaction(map[string]string{"REQUEST_METHOD": "POST"}, "")
	req := newRequest(app, tx)
	require.Equal(t, "POST", req.Method())
}
