package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"careflow/internal/config"
	"careflow/internal/db"
	"careflow/internal/engine"
	"careflow/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "tester")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createProject(t *testing.T, srv *testServer) ProjectResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"title": "Delirium screening rollout",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	var p ProjectResponse
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	return p
}

var fullIntake = map[string]any{
	"title":             "Delirium screening rollout",
	"project_type":      "research",
	"lead_investigator": "Dr Okafor",
	"summary":           "Roll out delirium screening on two wards",
	"department":        "Geriatrics",
}

func TestCheckpointApprovalFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	p := createProject(t, srv)

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/projects/"+p.ID+"/stages/intake", map[string]any{
		"payload": fullIntake,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("attach intake: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+p.ID+"/stages/intake/validation", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate: %d %s", res.StatusCode, string(data))
	}
	var report StageReportResponse
	_ = json.Unmarshal(data, &report)
	if !report.DataComplete || report.Approved {
		t.Fatalf("expected complete unapproved intake, got %+v", report)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/checkpoints/intake/approve", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}
	var approved ProjectResponse
	_ = json.Unmarshal(data, &approved)
	if approved.Status != "intake_approved" || !approved.Checkpoints["intake_approved"] {
		t.Fatalf("unexpected project after approval: %+v", approved)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+p.ID+"/advance/research", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("advance: %d %s", res.StatusCode, string(data))
	}
	var adv AdvancementResponse
	_ = json.Unmarshal(data, &adv)
	if !adv.Allowed {
		t.Fatalf("expected advancement allowed, blockers: %v", adv.Blockers)
	}
}

func TestCheckpointRejection(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	p := createProject(t, srv)

	_, _ = doJSON(t, client, http.MethodPut, srv.URL+"/v0/projects/"+p.ID+"/stages/intake", map[string]any{
		"payload": fullIntake,
	}, nil)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/checkpoints/intake/reject", map[string]any{
		"reason": "summary lacks detail",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reject: %d %s", res.StatusCode, string(data))
	}
	var rejected ProjectResponse
	_ = json.Unmarshal(data, &rejected)
	if rejected.Status != "revision_required" {
		t.Fatalf("status %s, want revision_required", rejected.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+p.ID+"/advance/research", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("advance: %d %s", res.StatusCode, string(data))
	}
	var adv AdvancementResponse
	_ = json.Unmarshal(data, &adv)
	if adv.Allowed {
		t.Fatalf("revision_required must block advancement")
	}
}

func TestApproveWithoutPayloadRefused(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	p := createProject(t, srv)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/checkpoints/intake/approve", nil, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
}

func TestProjectNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
}

func TestUnknownStageRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	p := createProject(t, srv)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/checkpoints/review/approve", nil, nil)
	if res.StatusCode != http.StatusUnprocessableEntity && res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400/422 for unknown stage, got %d %s", res.StatusCode, string(data))
	}
}

func TestPlanAndChecklistEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	p := createProject(t, srv)

	intake := map[string]any{}
	for k, v := range fullIntake {
		intake[k] = v
	}
	intake["site_count"] = 2
	_, _ = doJSON(t, client, http.MethodPut, srv.URL+"/v0/projects/"+p.ID+"/stages/intake", map[string]any{"payload": intake}, nil)
	_, _ = doJSON(t, client, http.MethodPut, srv.URL+"/v0/projects/"+p.ID+"/stages/ethics", map[string]any{"payload": map[string]any{
		"pathway":       "full_review",
		"risk_level":    "high",
		"consent_model": "opt-in",
	}}, nil)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/plan", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("plan: %d %s", res.StatusCode, string(data))
	}
	var plan DocumentPlanResponse
	_ = json.Unmarshal(data, &plan)
	if plan.PackageKind != "full_review" || plan.Degraded {
		t.Fatalf("unexpected plan: %+v", plan)
	}
	if len(plan.Plan) == 0 || plan.Plan[0].Kind != "protocol" {
		t.Fatalf("protocol must generate first: %+v", plan.Plan)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+p.ID+"/checklist", nil, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("build checklist: %d %s", res.StatusCode, string(data))
	}
	var items []ArtifactResponse
	_ = json.Unmarshal(data, &items)
	if len(items) == 0 {
		t.Fatalf("expected checklist items")
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/projects/"+p.ID+"/checklist/project_registration", map[string]any{
		"status": "in_progress",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set item: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/audit?project_id="+p.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit: %d %s", res.StatusCode, string(data))
	}
	var entries []AuditEntryResponse
	_ = json.Unmarshal(data, &entries)
	if len(entries) < 5 {
		t.Fatalf("expected audit trail, got %d entries", len(entries))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/projects", nil)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}
}

func TestHealthOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/health", nil)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must not require auth, got %d", res.StatusCode)
	}
}

func TestJWTAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "dr-okafor",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/projects", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("valid token refused: %d", res.StatusCode)
	}

	// wrong secret must be rejected
	bad, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "x"}).SignedString([]byte("other"))
	req2, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/projects", nil)
	req2.Header.Set("Authorization", "Bearer "+bad)
	res2, err := srv.Client().Do(req2)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer res2.Body.Close()
	if res2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("forged token accepted: %d", res2.StatusCode)
	}
}
