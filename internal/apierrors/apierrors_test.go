package apierrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", Validation("name is required"), KindValidation},
		{"wrapped not found", fmt.Errorf("lookup: %w", NotFound("Agent not found")), KindNotFound},
		{"unauthorized", Unauthorized(""), KindUnauthorized},
		{"plain error", errors.New("boom"), KindInternal},
		{"internal", Internal("store", errors.New("timeout")), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWrite(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{"validation", Validation("Invalid status"), http.StatusBadRequest, "Invalid status"},
		{"not found", NotFound("Alert not found"), http.StatusNotFound, "Alert not found"},
		{"unauthorized", Unauthorized("Invalid token"), http.StatusUnauthorized, "Invalid token"},
		{"internal hides cause", Internal("insert alert", errors.New("mongo: socket closed")), http.StatusInternalServerError, "Internal server error"},
		{"unknown error", errors.New("secret detail"), http.StatusInternalServerError, "Internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			Write(w, log, tt.err)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var body Response
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Error != tt.wantMsg {
				t.Errorf("error = %q, want %q", body.Error, tt.wantMsg)
			}
			if strings.Contains(w.Body.String(), "socket") {
				t.Error("response leaks the internal cause")
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("dial tcp")
	err := Internal("connect", cause)
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
	if err.Error() != "connect: dial tcp" {
		t.Errorf("Error() = %q", err.Error())
	}
}
