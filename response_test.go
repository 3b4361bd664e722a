package fcgiapp

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResponseWriteBeginsAutomatically(t *testing.T) {
	app := newTestApp(t)
	tx, conn := newTestTransaction(map[string]string{}, "")
	req := newRequest(app, tx)
	resp := newResponse(app, req, tx)

	resp.SetHeader("Content-Type", "text/plain")
	_, err := resp.Write([]byte("hello"))
	require.NoError(t, err)

	out := conn.out.String()
	require.Contains(t, out, "Content-Type: text/plain")
	require.Contains(t, out, "hello")
	require.True(t, resp.hasBegun)
}

func TestResponseEmptyWriteDoesNotBegin(t *testing.T) {
	app := newTestApp(t)
	tx, _ := newTestTransaction(map[string]string{}, "")
	req := newRequest(app, tx)
	resp := newResponse(app, req, tx)

	n, err := resp.Write(nil)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.False(t, resp.hasBegun)
}

func TestResponseFinishBeginsEvenWithoutBody(t *testing.T) {
	app := newTestApp(t)
	tx, conn := newTestTransaction(map[string]string{}, "")
	req := newRequest(app, tx)
	resp := newResponse(app, req, tx)

	require.NoError(t, resp.Finish())
	require.True(t, resp.hasBegun)
	require.Contains(t, conn.out.String(), "\r\n\r\n")
}

func TestResponseSetCookieAfterBeginFails(t *testing.T) {
	app := newTestApp(t)
	tx, _ := newTestTransaction(map[string]string{}, "")
	req := newRequest(app, tx)
	resp := newResponse(app, req, tx)

	require.NoError(t, resp.Begin())
	err := resp.SetCookie(Cookie{Name: "SID", Value: "x", MaxAge: -1})
	require.Error(t, err)
	require.True(t, errorIs(err, ErrResponseBegun))
}

func TestResponseSendFileLighttpd(t *testing.T) {
	app := newTestApp(t)
	tx, _ := newTestTransaction(map[string]string{"SERVER_SOFTWARE": "lighttpd/1.4.30"}, "")
	req := newRequest(app, tx)
	resp := newResponse(app, req, tx)

	require.NoError(t, resp.SendFile("/tmp/file.bin"))
	idx := resp.FindHeader("X-LIGHTTPD-send-file")
	require.GreaterOrEqual(t, idx, 0)
	require.Equal(t, "/tmp/file.bin", resp.headers[idx].Value)
}

func TestResponseSendFileNginx(t *testing.T) {
	app := newTestApp(t)
	tx, _ := newTestTransaction(map[string]string{"SERVER_SOFTWARE": "nginx/1.18.0"}, "")
	req := newRequest(app, tx)
	resp := newResponse(app, req, tx)

	require.NoError(t, resp.SendFile("/tmp/file.bin"))
	require.GreaterOrEqual(t, resp.FindHeader("X-Accel-Redirect"), 0)
}

func TestResponseSendFileUnsupportedServer(t *testing.T) {
	app := newTestApp(t)
	tx, _ := newTestTransaction(map[string]string{"SERVER_SOFTWARE": "mystery-server/1.0"}, "")
	req := newRequest(app, tx)
	resp := newResponse(app, req, tx)

	err := resp.SendFile("/tmp/file.bin")
	require.Error(t, err)
	require.True(t, errorIs(err, ErrSendfileUnsupported))
}

func TestResponseWriteLinesSkipsEmpty(t *testing.T) {
	app := newTestApp(t)
	tx, conn := newTestTransaction(map[string]string{}, "")
	req := newRequest(app, tx)
	resp := newResponse(app, req, tx)

	require.NoError(t, resp.WriteLines([]string{"a", "", "b"}))

	// conn.out holds FastCGI records; collect the STDOUT content bytes.
	var stdout bytes.Buffer
	r := bytes.NewReader(conn.out.Bytes())
	for r.Len() > 0 {
		h, err := readHeader(r)
		require.NoError(t, err)
		rec := make([]byte, int(h.ContentLength)+int(h.PaddingLength))
		_, err = io.ReadFull(r, rec)
		require.NoError(t, err)
		stdout.Write(rec[:h.ContentLength])
	}
	body := strings.SplitN(stdout.String(), "\r\n\r\n", 2)[1]
	require.Equal(t, "ab", body)
}
