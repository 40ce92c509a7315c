package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func pass(context.Context) error { return nil }

func failWith(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

// get serves path through a mux with h registered and decodes the body.
func get(t *testing.T, h *Handler, req *http.Request) (*httptest.ResponseRecorder, result) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var body result
	if rec.Code != http.StatusNotFound {
		if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
			t.Errorf("Content-Type = %q, want JSON", ct)
		}
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decode %s: %v", req.URL.Path, err)
		}
	}
	return rec, body
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		checkers   []Checker
		wantStatus int
		wantBody   string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantStatus: http.StatusOK,
			wantBody:   "ok",
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "audio", Check: pass},
				{Name: "listener", Check: pass},
			},
			wantStatus: http.StatusOK,
			wantBody:   "ok",
			wantChecks: map[string]string{"audio": "ok", "listener": "ok"},
		},
		{
			name: "device unhealthy",
			checkers: []Checker{
				{Name: "audio", Check: failWith("audio capture breaker open")},
				{Name: "listener", Check: pass},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "fail",
			wantChecks: map[string]string{
				"audio":    "fail: audio capture breaker open",
				"listener": "ok",
			},
		},
		{
			name: "every check fails",
			checkers: []Checker{
				{Name: "audio", Check: failWith("closed")},
				{Name: "listener", Check: failWith("not bound")},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "fail",
			wantChecks: map[string]string{"audio": "fail: closed", "listener": "fail: not bound"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec, body := get(t, New("repemul", tc.checkers...), httptest.NewRequest("GET", "/readyz", nil))
			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if body.Status != tc.wantBody {
				t.Errorf("body status = %q, want %q", body.Status, tc.wantBody)
			}
			for name, want := range tc.wantChecks {
				if body.Checks[name] != want {
					t.Errorf("checks[%s] = %q, want %q", name, body.Checks[name], want)
				}
			}
		})
	}
}

func TestReadyz_CheckerSeesRequestCancellation(t *testing.T) {
	h := New("repemul", Checker{Name: "audio", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec, body := get(t, h, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if body.Checks["audio"] != "fail: "+context.Canceled.Error() {
		t.Errorf("audio = %q", body.Checks["audio"])
	}
}

func TestHealthz_IgnoresCheckers(t *testing.T) {
	h := New("repemul", Checker{Name: "audio", Check: failWith("closed")})
	rec, body := get(t, h, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK || body.Status != "ok" {
		t.Errorf("healthz = %d %q, want 200 ok", rec.Code, body.Status)
	}
	if body.Checks != nil {
		t.Errorf("healthz ran checks: %v", body.Checks)
	}
}

func TestRoot_ProbeIsCrossOrigin(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Origin", "http://dispatch.example.org")
	rec, body := get(t, New("repemul"), req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
	if body.Service != "repemul" || body.Status != "ok" || body.Uptime == "" {
		t.Errorf("body = %+v", body)
	}
}

func TestRegister_OnlyExactRoot(t *testing.T) {
	for path, want := range map[string]int{
		"/":            http.StatusOK,
		"/healthz":     http.StatusOK,
		"/readyz":      http.StatusOK,
		"/index.html":  http.StatusNotFound,
		"/healthz/sub": http.StatusNotFound,
	} {
		rec, _ := get(t, New("repemul"), httptest.NewRequest("GET", path, nil))
		if rec.Code != want {
			t.Errorf("GET %s = %d, want %d", path, rec.Code, want)
		}
	}
}

func TestNew_CopiesCheckers(t *testing.T) {
	checkers := []Checker{{Name: "audio", Check: pass}}
	h := New("repemul", checkers...)
	checkers[0] = Checker{Name: "audio", Check: failWith("mutated")}

	rec, _ := get(t, h, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, caller mutation leaked into the handler", rec.Code)
	}
}
