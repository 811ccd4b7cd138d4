package resttranscode

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

func TestAcceptsJSON(t *testing.T) {
	cases := []struct {
		accept string
		want   bool
	}{
		{"", true},
		{"application/json", true},
		{"application/json, text/plain", true},
		{"*/*", true},
		{"application/xml", false},
	}
	for _, c := range cases {
		r := httptest.NewRequest(http.MethodGet, "/x", nil)
		if c.accept != "" {
			r.Header.Set("Accept", c.accept)
		}
		if got := acceptsJSON(r); got != c.want {
			t.Errorf("acceptsJSON(Accept=%q) = %v, want %v", c.accept, got, c.want)
		}
	}
}

func TestBindFieldsPathAndQuery(t *testing.T) {
	m := Mapping{
		PathTemplate: "/api/v1/{tenant}/{objectType}/{objectId}/versions/{version}/tags/{tag}",
		QueryParams:  map[string]string{"includeDeleted": "options.includeDeleted"},
	}
	r := httptest.NewRequest(http.MethodGet, "/api/v1/ACME/FLOW/abc-123/versions/latest/tags/latest?includeDeleted=true", nil)

	fields, err := bindFields(r, m)
	if err != nil {
		t.Fatalf("bindFields: %v", err)
	}
	if fields["tenant"] != "ACME" {
		t.Errorf("tenant = %v, want ACME", fields["tenant"])
	}
	if fields["objectId"] != "abc-123" {
		t.Errorf("objectId = %v, want abc-123", fields["objectId"])
	}
	if fields["version"] != "latest" || fields["tag"] != "latest" {
		t.Errorf("version/tag = %v/%v, want latest/latest", fields["version"], fields["tag"])
	}
	opts, ok := fields["options"].(map[string]any)
	if !ok {
		t.Fatalf("options not bound as nested map: %#v", fields["options"])
	}
	if opts["includeDeleted"] != "true" {
		t.Errorf("options.includeDeleted = %v, want true", opts["includeDeleted"])
	}
}

func TestBindFieldsBodyThenParamsOverlay(t *testing.T) {
	m := Mapping{PathTemplate: "/api/v1/{tenant}"}
	body := strings.NewReader(`{"extra":"from-body","tenant":"should-be-overwritten"}`)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/ACME", body)

	fields, err := bindFields(r, m)
	if err != nil {
		t.Fatalf("bindFields: %v", err)
	}
	if fields["extra"] != "from-body" {
		t.Errorf("extra = %v, want from-body", fields["extra"])
	}
	if fields["tenant"] != "ACME" {
		t.Errorf("tenant = %v, want ACME (path param must win over body)", fields["tenant"])
	}
}

func TestBindFieldsMalformedBody(t *testing.T) {
	m := Mapping{PathTemplate: "/api/v1/{tenant}"}
	r := httptest.NewRequest(http.MethodPost, "/api/v1/ACME", strings.NewReader("not json"))
	if _, err := bindFields(r, m); err == nil {
		t.Fatal("expected error for malformed JSON body")
	}
}

func TestWriteRPCErrorMapsStatusToHTTP(t *testing.T) {
	cases := []struct {
		code codes.Code
		want int
	}{
		{codes.InvalidArgument, http.StatusBadRequest},
		{codes.NotFound, http.StatusNotFound},
		{codes.Unauthenticated, http.StatusUnauthorized},
		{codes.PermissionDenied, http.StatusForbidden},
		{codes.DeadlineExceeded, http.StatusGatewayTimeout},
		{codes.Internal, http.StatusGatewayTimeout},
	}
	for _, c := range cases {
		w := httptest.NewRecorder()
		writeRPCError(w, grpcstatus.Error(c.code, "boom"))
		if w.Code != c.want {
			t.Errorf("code %v: got HTTP %d, want %d", c.code, w.Code, c.want)
		}
		if ct := w.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("code %v: Content-Type = %q, want application/json", c.code, ct)
		}
	}
}

func TestSetFieldPathNested(t *testing.T) {
	fields := map[string]any{}
	setFieldPath(fields, "a.b.c", "v")
	a, ok := fields["a"].(map[string]any)
	if !ok {
		t.Fatalf("a not a map: %#v", fields["a"])
	}
	b, ok := a["b"].(map[string]any)
	if !ok {
		t.Fatalf("a.b not a map: %#v", a["b"])
	}
	if b["c"] != "v" {
		t.Errorf("a.b.c = %v, want v", b["c"])
	}
}
