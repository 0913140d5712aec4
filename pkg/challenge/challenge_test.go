package challenge

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func sha(s string) string {
	sum := sha256.Sum256([]byte(s))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func TestSolveRewritesClientHashesAndKeepsOtherKeys(t *testing.T) {
	s := NewSolver("http://unused", nil)
	script := `({client_hashes:[navigator.userAgent,"abc"], server_hashes:["s1"], signals:{}, meta:{v:"1"}})`
	got, err := s.Solve(context.Background(), b64(script), "UA-under-test")
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(got)
	if err != nil {
		t.Fatalf("token is not base64: %v", err)
	}
	want := `{"client_hashes":["` + sha(DefaultBrowserSignature) + `","` + sha("abc") + `"],"server_hashes":["s1"],"signals":{},"meta":{"v":"1"}}`
	if string(decoded) != want {
		t.Fatalf("unexpected solved document\n got: %s\nwant: %s", decoded, want)
	}
}

func TestSolveUsesDOMShims(t *testing.T) {
	s := NewSolver("http://unused", nil)
	script := `(function () {
  var jsa = document.querySelector('#jsa');
  var doc = jsa.contentDocument || jsa.contentWindow.document;
  var meta = doc.createElement('meta');
  meta.setAttribute('http-equiv', 'Content-Security-Policy');
  doc.head.appendChild(meta);
  return {
    client_hashes: [navigator.userAgent, String(window.top.__DDG_BE_VERSION__) + String(self.__DDG_FE_CHAT_HASH__)],
    head: doc.head.children.length,
    webdriver: navigator.webdriver,
    same: globalThis === window
  };
})()`
	got, err := s.Solve(context.Background(), b64(script), "UA")
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	decoded, _ := base64.StdEncoding.DecodeString(got)
	s2 := string(decoded)
	for _, want := range []string{sha("11"), `"head":1`, `"webdriver":false`, `"same":true`} {
		if !strings.Contains(s2, want) {
			t.Fatalf("expected %q in %s", want, s2)
		}
	}
}

func TestSolvePromiseResults(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		wantErr string
	}{
		{"fulfilled", `(async function () { await null; return {client_hashes:["x"]}; })()`, ""},
		{"rejected", `Promise.reject(new Error("nope"))`, "rejected"},
		{"pending", `new Promise(function () {})`, "pending"},
		{"no hashes", `({server_hashes:[]})`, "client_hashes"},
		{"throws", `(function () { throw new Error("boom"); })()`, "boom"},
		{"no network", `require("http")`, "script failed"},
	}
	s := NewSolver("http://unused", nil)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Solve(context.Background(), b64(tc.script), "UA")
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var cerr *Error
			if !errors.As(err, &cerr) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestSolveInterruptsRunawayScript(t *testing.T) {
	s := NewSolver("http://unused", nil)
	s.ScriptTimeout = 50 * time.Millisecond
	started := time.Now()
	_, err := s.Solve(context.Background(), b64(`while (true) {}`), "UA")
	if err == nil || !errors.Is(err, errScriptTimeout) {
		t.Fatalf("expected script timeout, got %v", err)
	}
	if time.Since(started) > 5*time.Second {
		t.Fatalf("interrupt took too long")
	}

	s.ScriptTimeout = 0
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Solve(ctx, b64(`for (;;) {}`), "UA")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
}

func TestObtainTokenAgainstStatusEndpoint(t *testing.T) {
	header := b64(`({client_hashes:[navigator.userAgent]})`)
	var gotUA, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != DefaultStatusPath {
			http.NotFound(w, r)
			return
		}
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get(headerAccept)
		w.Header().Set(HeaderVQDHash, header)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSolver(srv.URL, srv.Client())
	tok, err := s.ObtainToken(context.Background(), "Agent/1.0")
	if err != nil {
		t.Fatalf("obtain token: %v", err)
	}
	if tok.VQD != header {
		t.Fatalf("vqd must be echoed unchanged, got %q", tok.VQD)
	}
	decoded, _ := base64.StdEncoding.DecodeString(tok.Hash)
	if string(decoded) != `{"client_hashes":["`+sha(DefaultBrowserSignature)+`"]}` {
		t.Fatalf("unexpected hash document %s", decoded)
	}
	if gotUA != "Agent/1.0" || gotAccept != "1" {
		t.Fatalf("unexpected request headers ua=%q accept=%q", gotUA, gotAccept)
	}
}

func TestObtainTokenFailures(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		header     string
		wantStatus int
	}{
		{"server error", http.StatusServiceUnavailable, b64("({client_hashes:[]})"), http.StatusServiceUnavailable},
		{"missing header", http.StatusOK, "", http.StatusOK},
		{"not base64", http.StatusOK, "%%%", 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.header != "" {
					w.Header().Set(HeaderVQDHash, tc.header)
				}
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()
			_, err := NewSolver(srv.URL, srv.Client()).ObtainToken(context.Background(), "UA")
			var cerr *Error
			if !errors.As(err, &cerr) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if cerr.StatusCode != tc.wantStatus {
				t.Fatalf("expected status %d, got %d (%v)", tc.wantStatus, cerr.StatusCode, err)
			}
		})
	}
}
