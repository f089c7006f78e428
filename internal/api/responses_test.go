package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, 201, map[string]int{"n": 7})
	if rec.Code != 201 {
		t.Errorf("status = %d, want 201", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	var body map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["n"] != 7 {
		t.Errorf("body = %v", body)
	}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, 404, "device not found")
	if rec.Code != 404 {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Error != "device not found" {
		t.Errorf("body = %+v", body)
	}
}

func TestDecodeJSON(t *testing.T) {
	t.Run("valid_body", func(t *testing.T) {
		req := httptest.NewRequest("PUT", "/", strings.NewReader(`{"name":"pump 3"}`))
		var v struct {
			Name string `json:"name"`
		}
		if err := DecodeJSON(req, &v); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if v.Name != "pump 3" {
			t.Errorf("name = %q", v.Name)
		}
	})

	t.Run("malformed_body", func(t *testing.T) {
		req := httptest.NewRequest("PUT", "/", strings.NewReader("{"))
		var v map[string]any
		if err := DecodeJSON(req, &v); err == nil {
			t.Error("expected error for malformed JSON")
		}
	})
}
