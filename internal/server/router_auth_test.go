package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubTokenValidator struct {
	subject     string
	validateErr error
}

func (s stubTokenValidator) ValidateToken(string) (string, error) {
	return s.subject, s.validateErr
}

func TestAuthorizeRequestLogLevels(t *testing.T) {
	tests := []struct {
		name        string
		header      string
		query       string
		validateErr error
		wantStatus  int
		wantLevel   *zapcore.Level
	}{
		{
			name:        "expired token logs at info",
			header:      "Bearer expired-token",
			validateErr: jwt.ErrTokenExpired,
			wantStatus:  http.StatusUnauthorized,
			wantLevel:   levelPtr(zapcore.InfoLevel),
		},
		{
			name:        "signature mismatch logs at warn",
			header:      "Bearer forged-token",
			validateErr: errors.New("signature mismatch"),
			wantStatus:  http.StatusUnauthorized,
			wantLevel:   levelPtr(zapcore.WarnLevel),
		},
		{
			name:       "missing credentials are rejected silently",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "query token is accepted",
			query:      "?access_token=stream-token",
			wantStatus: http.StatusOK,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gin.SetMode(gin.TestMode)
			recorder := httptest.NewRecorder()
			ctx, _ := gin.CreateTestContext(recorder)
			request := httptest.NewRequest(http.MethodGet, "/events"+tt.query, http.NoBody)
			if tt.header != "" {
				request.Header.Set("Authorization", tt.header)
			}
			ctx.Request = request

			core, logs := observer.New(zapcore.DebugLevel)
			handler := &httpHandler{
				tokens: stubTokenValidator{subject: "operator", validateErr: tt.validateErr},
				logger: zap.New(core),
			}
			handler.authorizeRequest(ctx)
			if !ctx.IsAborted() {
				ctx.Status(http.StatusOK)
			}

			if recorder.Code != tt.wantStatus {
				t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, tt.wantStatus)
			}
			entries := logs.All()
			if tt.wantLevel == nil {
				if len(entries) != 0 {
					t.Fatalf("expected no log entries, got %d", len(entries))
				}
				return
			}
			if len(entries) != 1 {
				t.Fatalf("expected exactly one log entry, got %d", len(entries))
			}
			entry := entries[0]
			if entry.Level != *tt.wantLevel || entry.Message != "token validation failed" {
				t.Fatalf("unexpected log entry %s %q", entry.Level, entry.Message)
			}
			hasCause := false
			for _, field := range entry.Context {
				if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), tt.validateErr) {
					hasCause = true
				}
			}
			if !hasCause {
				t.Fatalf("expected validation error in log context, got %v", entry.Context)
			}
		})
	}
}

func levelPtr(level zapcore.Level) *zapcore.Level {
	return &level
}
