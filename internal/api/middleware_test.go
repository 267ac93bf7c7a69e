package api

import (
	"net/http/httptest"
	"testing"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{name: "bearer", header: "Bearer abc.def.ghi", want: "abc.def.ghi"},
		{name: "case-insensitive scheme", header: "bearer tok", want: "tok"},
		{name: "missing header", header: "", want: ""},
		{name: "basic auth ignored", header: "Basic dXNlcjpwYXNz", want: ""},
		{name: "no token", header: "Bearer", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/catalog/v1/config", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if got := extractBearerToken(r); got != tt.want {
				t.Errorf("extractBearerToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEndpointCode(t *testing.T) {
	tests := []struct {
		method string
		route  string
		want   string
	}{
		{method: "GET", route: "/catalog/v1/config", want: "getv1-config"},
		{
			method: "POST",
			route:  "/catalog/v1/{prefix}/namespaces/{namespace}/tables",
			want:   "postv1-prefix-namespaces-namespace-tables",
		},
		{
			method: "DELETE",
			route:  "/management/v1/warehouse/{warehouse}",
			want:   "deletev1-management-warehouse-warehouse",
		},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := endpointCode(tt.method, tt.route); got != tt.want {
				t.Errorf("endpointCode(%s, %s) = %q, want %q", tt.method, tt.route, got, tt.want)
			}
		})
	}
}

func TestHTTPStatusClass(t *testing.T) {
	cases := map[int]string{200: "2xx", 204: "2xx", 304: "3xx", 404: "4xx", 409: "4xx", 500: "5xx"}
	for status, want := range cases {
		if got := httpStatusClass(status); got != want {
			t.Errorf("httpStatusClass(%d) = %q, want %q", status, got, want)
		}
	}
}
