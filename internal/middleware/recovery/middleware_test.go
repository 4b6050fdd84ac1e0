package recovery

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMiddlewareRecoversPanic(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mw := Middleware(Config{StackTrace: false}, logger)

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "test panic") {
		t.Errorf("body = %s, want panic message included", rec.Body.String())
	}
}

func TestMiddlewarePassesThroughNormalResponses(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mw := Default(logger)

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "ok")
	}
}

func TestMiddlewareInvokesPanicHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var captured any
	mw := Middleware(Config{
		StackTrace: true,
		PanicHandler: func(r *http.Request, recovered any, stack []byte) {
			captured = recovered
			if len(stack) == 0 {
				t.Error("expected non-empty stack trace")
			}
		},
	}, logger)

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("custom panic message")
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if captured != "custom panic message" {
		t.Errorf("panic handler received %v, want %q", captured, "custom panic message")
	}
}

func TestMiddlewareHandlesNonStringPanics(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mw := Default(logger)

	tests := []any{
		42,
		struct{ msg string }{msg: "struct value"},
	}

	for _, panicValue := range tests {
		handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic(panicValue)
		}))

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusInternalServerError {
			t.Errorf("panic %v: status = %d, want 500", panicValue, rec.Code)
		}
	}
}
