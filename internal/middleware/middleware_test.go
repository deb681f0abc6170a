package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/support-relay/pkg/logger"
)

func echoBody(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		_, _ = w.Write(body)
	})
}

func TestVerifySignature(t *testing.T) {
	body := `{"conversationId":"c1"}`
	h := VerifySignature("s3cret", true, logger.NewNop())(echoBody(t))

	tests := []struct {
		name      string
		signature string
		want      int
	}{
		{"valid", Sign("s3cret", []byte(body)), http.StatusOK},
		{"uppercase hex", strings.ToUpper(Sign("s3cret", []byte(body))), http.StatusOK},
		{"wrong secret", Sign("other", []byte(body)), http.StatusUnauthorized},
		{"missing", "", http.StatusUnauthorized},
		{"no prefix", strings.TrimPrefix(Sign("s3cret", []byte(body)), "sha256="), http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
			if tt.signature != "" {
				req.Header.Set(SignatureHeader, tt.signature)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, body, rec.Body.String())
			}
		})
	}
}

func TestVerifySignatureNotEnforced(t *testing.T) {
	h := VerifySignature("s3cret", false, nil)(echoBody(t))
	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(`{}`))
	req.Header.Set(SignatureHeader, "sha256=bad")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{}`, rec.Body.String())

	h = VerifySignature("", true, nil)(echoBody(t))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminToken(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	rec := httptest.NewRecorder()
	AdminToken("")(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/reset", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/admin/reset", nil)
	req.Header.Set(AdminTokenHeader, "nope")
	rec = httptest.NewRecorder()
	AdminToken("tok")(ok).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req.Header.Set(AdminTokenHeader, "tok")
	rec = httptest.NewRecorder()
	AdminToken("tok")(ok).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestLoggingSetsCorrelationID(t *testing.T) {
	var seen string
	r := chi.NewRouter()
	r.Use(Logging(logger.NewNop()))
	r.Get("/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest(http.MethodGet, "/conversations/c1", nil)
	req.Header.Set(CorrelationIDHeader, "corr-1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "corr-1", seen)
	assert.Equal(t, "corr-1", rec.Header().Get(CorrelationIDHeader))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/conversations/c2", nil))
	assert.NotEmpty(t, rec.Header().Get(CorrelationIDHeader))
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(2, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/events", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestValidateConversationID(t *testing.T) {
	assert.NoError(t, ValidateConversationID("conv_4821"))
	assert.Error(t, ValidateConversationID(""))
	assert.Error(t, ValidateConversationID("a b"))
	assert.Error(t, ValidateConversationID(strings.Repeat("x", 300)))
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		raw     string
		want    int
		wantErr bool
	}{
		{"", 100, false},
		{"10", 10, false},
		{"0", 500, false},
		{"9999", 500, false},
		{"-1", 0, true},
		{"ten", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseLimit(tt.raw, 100, 500)
		if tt.wantErr {
			assert.Error(t, err, tt.raw)
			continue
		}
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}
}
