package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
)

func TestHealthz_AlwaysOK(t *testing.T) {
	h := New()
	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var res result
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Status != "ok" {
		t.Fatalf("body = %+v", res)
	}
}

func TestReadyz_AllPass(t *testing.T) {
	h := New(
		Checker{Name: "a", Check: func(context.Context) error { return nil }},
		Checker{Name: "b", Check: func(context.Context) error { return nil }},
	)
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var res result
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Checks["a"] != "ok" || res.Checks["b"] != "ok" {
		t.Fatalf("checks = %+v", res.Checks)
	}
}

func TestReadyz_FailurePropagates(t *testing.T) {
	h := New(
		Checker{Name: "ok", Check: func(context.Context) error { return nil }},
		Checker{Name: "broken", Check: func(context.Context) error { return errors.New("boom") }},
	)
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != 503 {
		t.Fatalf("status = %d", rec.Code)
	}
	var res result
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Status != "fail" || res.Checks["broken"] != "fail: boom" {
		t.Fatalf("body = %+v", res)
	}
}

func TestBinaryChecker(t *testing.T) {
	if err := Binary("sh").Check(context.Background()); err != nil {
		t.Fatalf("sh should resolve: %v", err)
	}
	if err := Binary("definitely-not-a-binary-xyz").Check(context.Background()); err == nil {
		t.Fatal("missing binary passed")
	}
}

func TestWritableDirChecker(t *testing.T) {
	dir := t.TempDir()
	if err := WritableDir("work", dir).Check(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := WritableDir("work", filepath.Join(dir, "missing")).Check(context.Background()); err == nil {
		t.Fatal("missing dir passed")
	}
}
