package template

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("CATALOG_TEST_HOST", "https://set.example")

	cases := []struct {
		in   string
		want string
	}{
		{"${CATALOG_TEST_HOST}", "https://set.example"},
		{"${CATALOG_TEST_UNSET}", ""},
		{"${CATALOG_TEST_UNSET:https://fallback.example}", "https://fallback.example"},
		{"${CATALOG_TEST_HOST:https://fallback.example}", "https://set.example"},
		{"prefix ${CATALOG_TEST_HOST} suffix", "prefix https://set.example suffix"},
		{"no vars here", "no vars here"},
	}
	for _, tc := range cases {
		if got := expandEnvVars(tc.in); got != tc.want {
			t.Fatalf("expandEnvVars(%q) = %q; want %q", tc.in, got, tc.want)
		}
	}
}

const catalogYAML = `base_url: ${CATALOG_TEST_BASE:https://file.example}
client_version: web/2.9.0
endpoints:
  ping:
    method: GET
    path: /api/v1/ping/
    query:
      - key: q
        param: query
        required: true
  shout:
    method: POST
    path: /api/v1/shout/
    csrf: true
    cookies:
      - name: sessionid
        required: true
    body:
      type: form
      fields:
        - key: text
          param: text
          required: true
`

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "endpoints.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("os.WriteFile() failed: %v", err)
	}
	return path
}

func TestLoadCatalog(t *testing.T) {
	path := writeCatalog(t, catalogYAML)

	cat, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog() error = %v", err)
	}
	if cat.BaseURL != "https://file.example" {
		t.Fatalf("BaseURL = %q; want env default applied", cat.BaseURL)
	}
	if len(cat.Endpoints) != 2 {
		t.Fatalf("endpoint count = %d; want 2", len(cat.Endpoints))
	}

	ep := cat.Endpoints["shout"]
	if ep == nil {
		t.Fatalf("endpoint shout missing")
	}
	if !ep.CSRF {
		t.Fatalf("shout csrf = false; want true")
	}
	if ep.Body == nil || ep.Body.Type != "form" {
		t.Fatalf("shout body = %+v; want form", ep.Body)
	}
	if len(ep.Cookies) != 1 || ep.Cookies[0].Name != "sessionid" || !ep.Cookies[0].Required {
		t.Fatalf("shout cookies = %+v; want required sessionid", ep.Cookies)
	}
}

func TestLoadCatalogExpandsEnv(t *testing.T) {
	t.Setenv("CATALOG_TEST_BASE", "https://env.example")
	path := writeCatalog(t, catalogYAML)

	cat, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog() error = %v", err)
	}
	if cat.BaseURL != "https://env.example" {
		t.Fatalf("BaseURL = %q; want %q", cat.BaseURL, "https://env.example")
	}
}

func TestLoadCatalogMissingFile(t *testing.T) {
	if _, err := LoadCatalog(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("LoadCatalog() = nil; want error for missing file")
	}
}

func TestLoadCatalogRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad method", "base_url: https://x.example\nendpoints:\n  a:\n    method: PATCH\n    path: /a/\n"},
		{"no endpoints", "base_url: https://x.example\n"},
		{"trailing slash base", "base_url: https://x.example/\nendpoints:\n  a:\n    method: GET\n    path: /a/\n"},
		{"relative path", "base_url: https://x.example\nendpoints:\n  a:\n    method: GET\n    path: a/\n"},
		{"bad body type", "base_url: https://x.example\nendpoints:\n  a:\n    method: POST\n    path: /a/\n    body:\n      type: xml\n"},
	}
	for _, tc := range cases {
		path := writeCatalog(t, tc.yaml)
		if _, err := LoadCatalog(path); err == nil {
			t.Fatalf("LoadCatalog(%s) = nil; want validation error", tc.name)
		}
	}
}

func TestDefaultCatalogValid(t *testing.T) {
	cat := DefaultCatalog("https://example.test")
	if err := cat.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cat.ClientVersion == "" {
		t.Fatalf("ClientVersion empty; the target rejects unversioned clients")
	}
}
