package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SpatialKey/skdm-sub000/pkg/actionconfig"
	"github.com/SpatialKey/skdm-sub000/pkg/config"
	"github.com/SpatialKey/skdm-sub000/pkg/transport"
)

const fakeToken = "tok-cli"

// fakeOrg is an in-memory SpatialKey organization.
type fakeOrg struct {
	mu       sync.Mutex
	calls    []string
	status   string
	deleted  []string
	loggedIn bool
}

func (f *fakeOrg) record(r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)
}

func (f *fakeOrg) router(t *testing.T) http.Handler {
	r := chi.NewRouter()
	r.Route(transport.APIPrefix, func(api chi.Router) {
		api.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				f.record(req)
				next.ServeHTTP(w, req)
			})
		})
		api.Post("/oauth.json", func(w http.ResponseWriter, req *http.Request) {
			require.NoError(t, req.ParseForm())
			assert.NotEmpty(t, req.PostForm.Get("assertion"))
			f.mu.Lock()
			f.loggedIn = true
			f.mu.Unlock()
			_, _ = io.WriteString(w, `{"access_token":"`+fakeToken+`"}`)
		})
		api.Get("/oauth.json", func(w http.ResponseWriter, req *http.Request) {
			if req.URL.Query().Get("token") != fakeToken {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = io.WriteString(w, `{}`)
		})
		api.Delete("/oauth.json", func(w http.ResponseWriter, req *http.Request) {
			f.mu.Lock()
			f.loggedIn = false
			f.mu.Unlock()
			_, _ = io.WriteString(w, `{}`)
		})
		api.Post("/upload.json", func(w http.ResponseWriter, req *http.Request) {
			_, _ = io.WriteString(w, `{"upload":{"uploadId":"u1"}}`)
		})
		api.Get("/upload/{uploadId}.json", func(w http.ResponseWriter, req *http.Request) {
			f.mu.Lock()
			status := f.status
			f.mu.Unlock()
			_, _ = io.WriteString(w, `{"status":"`+status+`","createdResources":{"d-new":"dataset"}}`)
		})
		api.Delete("/upload/{uploadId}.json", func(w http.ResponseWriter, req *http.Request) {
			_, _ = io.WriteString(w, `{}`)
		})
		api.Post("/upload/{uploadId}/dataset.json", func(w http.ResponseWriter, req *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		api.Get("/dataset.json", func(w http.ResponseWriter, req *http.Request) {
			_, _ = io.WriteString(w, `{"value":[{"id":"d1","label":"Stores","created":"2024-01-02","modified":"2024-02-03","rows":12}]}`)
		})
		api.Delete("/dataset/{id}.json", func(w http.ResponseWriter, req *http.Request) {
			f.mu.Lock()
			f.deleted = append(f.deleted, chi.URLParam(req, "id"))
			f.mu.Unlock()
			_, _ = io.WriteString(w, `{}`)
		})
	})
	return r
}

// setup starts a fake organization and points the process configuration at it.
func setup(t *testing.T) *fakeOrg {
	t.Helper()
	org := &fakeOrg{status: "IMPORT_COMPLETE_CLEAN"}
	srv := httptest.NewServer(org.router(t))
	t.Cleanup(srv.Close)

	for _, k := range []string{"SKIMPORT_DEFAULTS_FILE", "SK_PROXY_ENABLED", "SKIMPORT_KEEP_UPLOAD", "OTEL_ENABLED", "LOG_FORMAT", "SKIMPORT_JOURNAL"} {
		t.Setenv(k, "")
	}
	t.Setenv("SK_ORG_URL", srv.URL)
	t.Setenv("SK_USER_API_KEY", "user")
	t.Setenv("SK_ORG_API_KEY", "org")
	t.Setenv("SK_ORG_SECRET_KEY", "secret")
	t.Setenv("SKIMPORT_POLL_INTERVAL", "1ms")
	t.Setenv("LOG_LEVEL", "ERROR")

	prev := loadConfig
	loadConfig = config.FromEnv
	t.Cleanup(func() { loadConfig = prev })
	return org
}

func writeRunConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stores.csv"), []byte("id,name\n1,a\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stores.xml"), []byte("<dataset/>"), 0o600))
	path := filepath.Join(dir, "skimport.xml")
	require.NoError(t, os.WriteFile(path, []byte(`<skimport>
  <actions>
    <action name="stores">
      <actionType>import</actionType>
      <dataType>csv</dataType>
      <pathData>stores.csv</pathData>
      <pathXML>stores.xml</pathXML>
      <datasetId/>
    </action>
  </actions>
</skimport>`), 0o600))
	return path
}

func TestRun_UsageAndVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, Run([]string{"skimport"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "USAGE")

	stdout.Reset()
	assert.Equal(t, 0, Run([]string{"skimport", "help"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "COMMANDS")

	stdout.Reset()
	assert.Equal(t, 0, Run([]string{"skimport", "version"}, &stdout, &stderr))
	assert.Equal(t, "skimport dev\n", stdout.String())

	stderr.Reset()
	assert.Equal(t, 2, Run([]string{"skimport", "bogus"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Unknown command: bogus")
}

func TestRunCmd_RequiresConfig(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, Run([]string{"skimport", "run"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "-config is required")

	assert.Equal(t, 2, Run([]string{"skimport", "run", "-config", filepath.Join(t.TempDir(), "missing.xml")}, &stdout, &stderr))
}

func TestRunCmd_ImportWritesBackID(t *testing.T) {
	org := setup(t)
	path := writeRunConfig(t)

	var stdout, stderr bytes.Buffer
	code := Run([]string{"skimport", "run", "-config", path}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "OK")
	assert.Contains(t, stdout.String(), "id=d-new")

	doc, err := actionconfig.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "d-new", doc.Actions()[0].DatasetID)

	org.mu.Lock()
	defer org.mu.Unlock()
	assert.Contains(t, org.calls, "POST "+transport.APIPrefix+"upload/u1/dataset.json")
	assert.Contains(t, org.calls, "DELETE "+transport.APIPrefix+"upload/u1.json")
	assert.False(t, org.loggedIn, "session is logged out at exit")
}

func TestRunCmd_JournalAndHistory(t *testing.T) {
	setup(t)
	path := writeRunConfig(t)
	journalPath := filepath.Join(t.TempDir(), "journal.db")
	t.Setenv("SKIMPORT_JOURNAL", journalPath)

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, Run([]string{"skimport", "run", "-config", path}, &stdout, &stderr), stderr.String())

	stdout.Reset()
	require.Equal(t, 0, Run([]string{"skimport", "history", "-json"}, &stdout, &stderr), stderr.String())
	var entries []map[string]any
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "stores", entries[0]["action"])
	assert.Equal(t, "d-new", entries[0]["resolvedId"])
	assert.Equal(t, true, entries[0]["success"])

	stdout.Reset()
	require.Equal(t, 0, Run([]string{"skimport", "history", "-journal", journalPath, "-action", "other"}, &stdout, &stderr))
	assert.NotContains(t, stdout.String(), "stores")
}

func TestHistoryCmd_NoJournal(t *testing.T) {
	setup(t)
	t.Setenv("SKIMPORT_JOURNAL", "")

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, Run([]string{"skimport", "history"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "no journal configured")
}

func TestRunCmd_FailedImportExitsOne(t *testing.T) {
	org := setup(t)
	org.status = "ERROR_IMPORT_FAILED"
	path := writeRunConfig(t)

	var stdout, stderr bytes.Buffer
	code := Run([]string{"skimport", "run", "-config", path}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout.String(), "FAILED")

	doc, err := actionconfig.Load(path)
	require.NoError(t, err)
	assert.Empty(t, doc.Actions()[0].DatasetID)
}

func TestRunCmd_NoWaitKeepsUpload(t *testing.T) {
	org := setup(t)
	path := writeRunConfig(t)

	var stdout, stderr bytes.Buffer
	code := Run([]string{"skimport", "run", "-config", path, "-no-wait"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	doc, err := actionconfig.Load(path)
	require.NoError(t, err)
	assert.Empty(t, doc.Actions()[0].DatasetID, "ids are only written after waiting")

	org.mu.Lock()
	defer org.mu.Unlock()
	assert.Contains(t, org.calls, "POST "+transport.APIPrefix+"upload/u1/dataset.json")
	assert.NotContains(t, org.calls, "DELETE "+transport.APIPrefix+"upload/u1.json")
}

func TestRunCmd_UnknownActionFilter(t *testing.T) {
	setup(t)
	path := writeRunConfig(t)

	var stdout, stderr bytes.Buffer
	code := Run([]string{"skimport", "run", "-config", path, "-action", "nope"}, &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Contains(t, stderr.String(), "no actions matched")
}

func TestListCmd(t *testing.T) {
	setup(t)

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, Run([]string{"skimport", "list", "-type", "dataset"}, &stdout, &stderr), stderr.String())
	assert.Contains(t, stdout.String(), "ID")
	assert.Contains(t, stdout.String(), "Stores")

	stdout.Reset()
	require.Equal(t, 0, Run([]string{"skimport", "list", "-type", "dataset", "-json"}, &stdout, &stderr), stderr.String())
	var items []map[string]any
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &items))
	require.Len(t, items, 1)
	assert.Equal(t, "d1", items[0]["id"])
	assert.Equal(t, map[string]any{"rows": float64(12)}, items[0]["extra"])
}

func TestListCmd_Filter(t *testing.T) {
	setup(t)

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, Run([]string{"skimport", "list", "-type", "dataset", "-json", "-filter", `extra.rows > 100.0`}, &stdout, &stderr), stderr.String())
	assert.JSONEq(t, "[]", stdout.String())

	stdout.Reset()
	require.Equal(t, 0, Run([]string{"skimport", "list", "-type", "dataset", "-filter", `label == "Stores"`}, &stdout, &stderr), stderr.String())
	assert.Contains(t, stdout.String(), "d1")

	stderr.Reset()
	assert.Equal(t, 2, Run([]string{"skimport", "list", "-type", "dataset", "-filter", `label`}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "bool")
}

func TestListCmd_BadType(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, Run([]string{"skimport", "list", "-type", "map"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "-type must be")
}

func TestListCmd_MissingCredentials(t *testing.T) {
	setup(t)
	t.Setenv("SK_ORG_SECRET_KEY", "")

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, Run([]string{"skimport", "list", "-type", "insurance"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "organization secret key")
}

func TestDeleteCmd(t *testing.T) {
	org := setup(t)

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, Run([]string{"skimport", "delete", "-type", "dataset"}, &stdout, &stderr))

	require.Equal(t, 0, Run([]string{"skimport", "delete", "-type", "dataset", "-id", "d1"}, &stdout, &stderr), stderr.String())
	assert.Contains(t, stdout.String(), "deleted dataset d1")
	org.mu.Lock()
	defer org.mu.Unlock()
	assert.Equal(t, []string{"d1"}, org.deleted)
}

func TestOAuthCmd_LeavesSessionOpen(t *testing.T) {
	org := setup(t)

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, Run([]string{"skimport", "oauth"}, &stdout, &stderr), stderr.String())
	assert.Equal(t, fakeToken+"\n", stdout.String())
	org.mu.Lock()
	defer org.mu.Unlock()
	assert.True(t, org.loggedIn)
}

func TestCommandContext_CancelledOnInterrupt(t *testing.T) {
	ctx, stop := commandContext()
	defer stop()

	proc, err := os.FindProcess(os.Getpid())
	require.NoError(t, err)
	if err := proc.Signal(os.Interrupt); err != nil {
		t.Skipf("interrupt not deliverable on this platform: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context not cancelled by interrupt")
	}
}
