package server_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/quicspool/internal/logger"
	"example.com/quicspool/internal/server"
	"example.com/quicspool/internal/testutil"
)

func TestPrefersJSON(t *testing.T) {
	tests := []struct {
		name         string
		acceptHeader string
		expected     bool
	}{
		{"empty", "", false},
		{"exact json", "application/json", true},
		{"json then html", "application/json, text/html", true},
		{"html then json, same q", "text/html, application/json", false},
		{"html with lower q", "text/html;q=0.9, application/json", true},
		{"json with lower q", "application/json;q=0.5, text/html", false},
		{"json with highest q", "text/plain;q=0.5, application/json;q=0.8", true},
		{"wildcard only", "*/*", false},
		{"concrete beats wildcard", "*/*, application/json", true},
		{"application wildcard", "application/*", false},
		{"json q=0", "application/json;q=0", false},
		{"html and json q=0", "text/html, application/json;q=0", false},
		{"malformed q", "application/json;q=foo", false},
		{"q out of range", "application/json;q=1.5", false},
		{"media type params", "application/json; charset=utf-8", true},
		{"upper case", "APPLICATION/JSON", true},
		{"browser accept", "text/html, application/xhtml+xml, application/xml;q=0.9, */*;q=0.8", false},
		{"api client accept", "application/json, text/plain, */*", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, server.PrefersJSON(tt.acceptHeader), "PrefersJSON(%q)", tt.acceptHeader)
		})
	}
}

func newErrorTarget(t *testing.T) (*testutil.RecordingStream, *server.BufferedResponse) {
	t.Helper()
	st := testutil.NewRecordingStream(7)
	return st, server.NewBufferedResponse(st, 0, logger.NewDiscardLogger())
}

func TestWriteErrorResponse(t *testing.T) {
	tests := []struct {
		name        string
		accept      string
		status      int
		detail      string
		failMarshal bool
		contentType string
		check       func(t *testing.T, body []byte)
	}{
		{
			name:        "json 404",
			accept:      "application/json",
			status:      http.StatusNotFound,
			detail:      "Custom not found detail",
			contentType: "application/json; charset=utf-8",
			check: func(t *testing.T, body []byte) {
				var resp server.ErrorResponseJSON
				require.NoError(t, json.Unmarshal(body, &resp))
				assert.Equal(t, http.StatusNotFound, resp.Error.StatusCode)
				assert.Equal(t, http.StatusText(http.StatusNotFound), resp.Error.Message)
				assert.Equal(t, "Custom not found detail", resp.Error.Detail)
			},
		},
		{
			name:        "html 500 with detail",
			accept:      "text/html",
			status:      http.StatusInternalServerError,
			detail:      "DB <error>",
			contentType: "text/html; charset=utf-8",
			check: func(t *testing.T, body []byte) {
				info, ok := server.GetDefaultHTMLMessageInfo(http.StatusInternalServerError)
				require.True(t, ok)
				s := string(body)
				assert.Contains(t, s, html.EscapeString(info.Title))
				assert.Contains(t, s, info.Message+" "+html.EscapeString("DB <error>"))
				assert.NotContains(t, s, "<error>")
			},
		},
		{
			name:        "html unknown status",
			status:      599,
			detail:      "Very weird error",
			contentType: "text/html; charset=utf-8",
			check: func(t *testing.T, body []byte) {
				s := string(body)
				assert.Contains(t, s, "<title>599 Error</title>")
				assert.Contains(t, s, "<p>Very weird error</p>")
			},
		},
		{
			name:        "html unknown status without detail",
			status:      598,
			contentType: "text/html; charset=utf-8",
			check: func(t *testing.T, body []byte) {
				assert.Contains(t, string(body), "<p>The server encountered an error processing your request.</p>")
			},
		},
		{
			name:        "marshal failure falls back to html",
			accept:      "application/json",
			status:      http.StatusForbidden,
			detail:      "Token expired",
			failMarshal: true,
			contentType: "text/html; charset=utf-8",
			check: func(t *testing.T, body []byte) {
				info, _ := server.GetDefaultHTMLMessageInfo(http.StatusForbidden)
				assert.Contains(t, string(body), info.Message+" Token expired")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.failMarshal {
				orig := server.TestingOnlySetJSONMarshal(func(v interface{}) ([]byte, error) {
					return nil, errors.New("marshal failed")
				})
				defer server.TestingOnlySetJSONMarshal(orig)
			}
			st, resp := newErrorTarget(t)
			req := httptest.NewRequest(http.MethodGet, "/missing", nil)
			if tt.accept != "" {
				req.Header.Set("Accept", tt.accept)
			}
			resp.Header().Set("X-Stale", "1")

			require.NoError(t, server.WriteErrorResponse(resp, tt.status, req, tt.detail, logger.NewDiscardLogger()))
			require.NoError(t, resp.Close())

			assert.Equal(t, strconv.Itoa(tt.status), st.Status())
			ct, _ := st.Header("content-type")
			assert.Equal(t, tt.contentType, ct)
			cl, _ := st.Header("content-length")
			assert.Equal(t, strconv.Itoa(len(st.Body())), cl)
			cc, _ := st.Header("cache-control")
			assert.Equal(t, "no-cache, no-store, must-revalidate", cc)
			_, stale := st.Header("x-stale")
			assert.False(t, stale, "headers set before the error must be cleared")
			assert.True(t, st.Ended())
			tt.check(t, st.Body())
		})
	}
}

func TestWriteErrorResponseReplacesBufferedBody(t *testing.T) {
	st, resp := newErrorTarget(t)
	_, err := resp.WriteString("partial output")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, server.WriteErrorResponse(resp, http.StatusBadRequest, req, "", nil))
	require.NoError(t, resp.Close())

	assert.Equal(t, "400", st.Status())
	assert.NotContains(t, string(st.Body()), "partial output")
}

func TestWriteErrorResponseHead(t *testing.T) {
	st, resp := newErrorTarget(t)
	req := httptest.NewRequest(http.MethodHead, "/", nil)

	require.NoError(t, server.WriteErrorResponse(resp, http.StatusNotFound, req, "", nil))
	require.NoError(t, resp.Close())

	assert.Equal(t, "404", st.Status())
	assert.Empty(t, st.Body())
	cl, ok := st.Header("content-length")
	require.True(t, ok)
	assert.NotEqual(t, "0", cl, "HEAD keeps the length of the page it would have sent")
	assert.True(t, st.HeadersEndedStream())
}

func TestWriteErrorResponseAfterCommit(t *testing.T) {
	st, resp := newErrorTarget(t)
	_, err := resp.WriteString("ok")
	require.NoError(t, err)
	require.NoError(t, resp.Flush())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	err = server.WriteErrorResponse(resp, http.StatusInternalServerError, req, "late", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, server.ErrCommitted)
	assert.Equal(t, "200", st.Status())
}

func TestSendDefaultErrorResponseLogsFailure(t *testing.T) {
	var buf strings.Builder
	lg := logger.NewTestLogger(&buf)
	st, resp := newErrorTarget(t)
	require.NoError(t, resp.Flush())

	server.SendDefaultErrorResponse(resp, http.StatusInternalServerError, httptest.NewRequest(http.MethodGet, "/", nil), "", lg)

	assert.Equal(t, "200", st.Status())
	assert.Contains(t, buf.String(), "Error response not sent")
}

func TestGenerateHTMLResponseBody(t *testing.T) {
	body := string(server.GenerateHTMLResponseBody("<T>", "H&H", "already &amp; escaped"))
	assert.Equal(t, fmt.Sprintf(
		"<html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>",
		"&lt;T&gt;", "H&amp;H", "already &amp; escaped"), body)
}
