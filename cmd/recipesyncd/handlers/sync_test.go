// Package handlers tests for sync REST API endpoints.
// These tests verify HTTP request handling, status codes, and responses.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/kimhsiao/recipesync/internal/db"
	apperrors "github.com/kimhsiao/recipesync/internal/errors"
	"github.com/kimhsiao/recipesync/internal/models"
	syncpkg "github.com/kimhsiao/recipesync/internal/sync"
	"github.com/kimhsiao/recipesync/internal/sync/auth"
	"github.com/kimhsiao/recipesync/internal/sync/queue"
	"github.com/kimhsiao/recipesync/internal/sync/remote"
	"github.com/kimhsiao/recipesync/internal/sync/scheduler"
	"github.com/kimhsiao/recipesync/internal/sync/storage"
)

type testEnv struct {
	queue   *queue.Queue
	store   *remote.ObjectRemote
	session *auth.Session
	coord   *syncpkg.Coordinator
	sched   *scheduler.Scheduler
	mux     *http.ServeMux
}

// setupTestEnv wires a sqlite queue and an in-memory remote behind the API.
func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	database, err := db.OpenAndMigrate(dir)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	q := queue.New(database.DB, storage.NewOsBlobStore(filepath.Join(dir, "blobs")))
	session := auth.NewSession(auth.StaticTokenSource("token"))
	session.SignIn(auth.Identity{OwnerID: "u1"})
	store := remote.NewObjectRemote(remote.NewMemoryObjectStore(), session, "")
	coord := syncpkg.NewCoordinator(q, store, session)
	sched := scheduler.New(coord, session, nil, scheduler.WithPendingCounter(q))

	mux := http.NewServeMux()
	NewSyncHandler(q, coord, sched).Register(mux)
	NewAuthHandler(session).Register(mux)

	return &testEnv{queue: q, store: store, session: session, coord: coord, sched: sched, mux: mux}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	e.mux.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

func recipeOp(id string, kind models.OperationKind, updatedAt int) map[string]interface{} {
	return map[string]interface{}{
		"kind":        kind,
		"entity_type": models.EntityRecipe,
		"entity_id":   id,
		"payload":     map[string]interface{}{"title": "Soup", "owner_id": "u1", "updated_at": updatedAt},
	}
}

// =====================================================
// Health and Status Tests
// =====================================================

func TestSyncHandler_Health(t *testing.T) {
	env := setupTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	if got := decode(t, rr)["status"]; got != "ok" {
		t.Errorf("status = %v, want ok", got)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestSyncHandler_Health_wrongMethod(t *testing.T) {
	env := setupTestEnv(t)

	rr := env.do(t, http.MethodPost, "/api/health", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", rr.Code)
	}
}

func TestSyncHandler_GetStatus(t *testing.T) {
	env := setupTestEnv(t)

	env.do(t, http.MethodPost, "/api/sync/operations", recipeOp("r1", models.OperationCreate, 100))

	rr := env.do(t, http.MethodGet, "/api/sync/status", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decode(t, rr)
	if body["state"] != "idle" {
		t.Errorf("state = %v, want idle", body["state"])
	}
	if body["pending_changes"] != float64(1) {
		t.Errorf("pending_changes = %v, want 1", body["pending_changes"])
	}
	if _, ok := body["last_sync"]; ok {
		t.Error("last_sync should be absent before the first pass")
	}
	sched, ok := body["scheduler"].(map[string]interface{})
	if !ok {
		t.Fatalf("scheduler = %v", body["scheduler"])
	}
	if sched["running"] != false {
		t.Errorf("scheduler.running = %v, want false", sched["running"])
	}

	before, _ := body["event_subscribers"].(float64)
	_, unsubscribe := env.coord.Subscribe(1)
	defer unsubscribe()
	body = decode(t, env.do(t, http.MethodGet, "/api/sync/status", nil))
	if body["event_subscribers"] != before+1 {
		t.Errorf("event_subscribers = %v, want %v", body["event_subscribers"], before+1)
	}
}

// =====================================================
// Queue Endpoint Tests
// =====================================================

func TestSyncHandler_Enqueue(t *testing.T) {
	env := setupTestEnv(t)

	rr := env.do(t, http.MethodPost, "/api/sync/operations", recipeOp("r1", models.OperationCreate, 100))
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if id, _ := decode(t, rr)["id"].(string); id == "" {
		t.Error("response should carry the entry id")
	}

	rr = env.do(t, http.MethodGet, "/api/sync/queue", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	body := decode(t, rr)
	if body["total"] != float64(1) {
		t.Errorf("total = %v, want 1", body["total"])
	}
}

func TestSyncHandler_Enqueue_photo(t *testing.T) {
	env := setupTestEnv(t)

	op := map[string]interface{}{
		"kind":           models.OperationCreate,
		"entity_type":    models.EntityPhoto,
		"entity_id":      "p1",
		"payload":        map[string]interface{}{"updated_at": 1},
		"binary_payload": []byte{0xff, 0xd8, 0xff},
	}
	rr := env.do(t, http.MethodPost, "/api/sync/operations", op)
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	entries, err := env.queue.ListPending(context.Background())
	if err != nil || len(entries) != 1 {
		t.Fatalf("ListPending() = %v, %v", entries, err)
	}
	decoded, err := env.queue.Decode(entries[0])
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !bytes.Equal(decoded.BinaryPayload, []byte{0xff, 0xd8, 0xff}) {
		t.Errorf("binary payload = %x", decoded.BinaryPayload)
	}
}

func TestSyncHandler_Enqueue_invalid(t *testing.T) {
	env := setupTestEnv(t)

	tests := []struct {
		name string
		body interface{}
	}{
		{"bad json", "{"},
		{"missing id", recipeOp("", models.OperationCreate, 1)},
		{"unknown kind", recipeOp("r1", "upsert", 1)},
		{"photo without bytes", map[string]interface{}{
			"kind": "create", "entity_type": "photo", "entity_id": "p1", "payload": map[string]interface{}{},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/api/sync/operations", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d: %s", rr.Code, rr.Body.String())
			}
			if code := decode(t, rr)["code"]; code != "VALIDATION_ERROR" {
				t.Errorf("code = %v, want VALIDATION_ERROR", code)
			}
		})
	}

	size, _ := env.queue.Size(context.Background())
	if size != 0 {
		t.Errorf("queue size = %d, want 0", size)
	}
}

func TestSyncHandler_ListQueue_empty(t *testing.T) {
	env := setupTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/sync/queue", nil)
	body := decode(t, rr)
	entries, ok := body["entries"].([]interface{})
	if !ok || len(entries) != 0 {
		t.Errorf("entries = %v, want empty list", body["entries"])
	}
}

// =====================================================
// Sync Trigger Tests
// =====================================================

func TestSyncHandler_TriggerSync(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	env.do(t, http.MethodPost, "/api/sync/operations", recipeOp("r1", models.OperationCreate, 100))

	rr := env.do(t, http.MethodPost, "/api/sync/now", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if applied := decode(t, rr)["applied"]; applied != float64(1) {
		t.Errorf("applied = %v, want 1", applied)
	}

	if _, err := env.store.Get(ctx, models.EntityRecipe, "r1"); err != nil {
		t.Errorf("remote Get() error = %v", err)
	}

	body := decode(t, env.do(t, http.MethodGet, "/api/sync/status", nil))
	if body["pending_changes"] != float64(0) {
		t.Errorf("pending_changes = %v, want 0", body["pending_changes"])
	}
	if _, ok := body["last_sync"]; !ok {
		t.Error("last_sync should be set after a pass")
	}
}

func TestSyncHandler_TriggerSync_authFailure(t *testing.T) {
	env := setupTestEnv(t)
	env.session.SignOut()

	rr := env.do(t, http.MethodPost, "/api/sync/now", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("Expected status 401, got %d: %s", rr.Code, rr.Body.String())
	}
	if code := decode(t, rr)["code"]; code != "SYNC_AUTH_FAILED" {
		t.Errorf("code = %v, want SYNC_AUTH_FAILED", code)
	}

	body := decode(t, env.do(t, http.MethodGet, "/api/sync/status", nil))
	if body["state"] != "error" {
		t.Errorf("state = %v, want error", body["state"])
	}
	if body["last_error_code"] != "SYNC_AUTH_FAILED" {
		t.Errorf("last_error_code = %v", body["last_error_code"])
	}
}

// =====================================================
// Conflict Endpoint Tests
// =====================================================

// seedConflict leaves one concurrent-update conflict pending and returns its id.
func seedConflict(t *testing.T, env *testEnv) string {
	t.Helper()
	ctx := context.Background()

	remoteSnap := models.Snapshot(`{"title":"Cloud soup","owner_id":"u1","updated_at":200}`)
	if err := env.store.Save(ctx, models.EntityRecipe, "r1", remoteSnap); err != nil {
		t.Fatalf("seed remote: %v", err)
	}
	env.do(t, http.MethodPost, "/api/sync/operations", recipeOp("r1", models.OperationUpdate, 150))

	rr := env.do(t, http.MethodPost, "/api/sync/now", nil)
	if conflicted := decode(t, rr)["conflicted"]; conflicted != float64(1) {
		t.Fatalf("conflicted = %v, want 1", conflicted)
	}

	pending := env.coord.Resolver().Pending()
	if len(pending) != 1 {
		t.Fatalf("pending conflicts = %d, want 1", len(pending))
	}
	return pending[0].ID
}

func TestSyncHandler_ListConflicts(t *testing.T) {
	env := setupTestEnv(t)
	id := seedConflict(t, env)

	rr := env.do(t, http.MethodGet, "/api/sync/conflicts", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	body := decode(t, rr)
	conflicts, _ := body["conflicts"].([]interface{})
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %v", body["conflicts"])
	}
	rec := conflicts[0].(map[string]interface{})
	if rec["id"] != id || rec["kind"] != "concurrent_update" {
		t.Errorf("conflict = %v", rec)
	}
}

func TestSyncHandler_ResolveConflict_useLocal(t *testing.T) {
	env := setupTestEnv(t)
	id := seedConflict(t, env)

	rr := env.do(t, http.MethodPost, "/api/sync/conflicts/"+id+"/resolve", map[string]interface{}{"choice": "use_local"})
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if decode(t, rr)["enqueued"] == nil {
		t.Error("use_local should enqueue a fresh update")
	}

	if n := len(env.coord.Resolver().Pending()); n != 0 {
		t.Errorf("pending conflicts = %d, want 0", n)
	}

	rr = env.do(t, http.MethodPost, "/api/sync/now", nil)
	if applied := decode(t, rr)["applied"]; applied != float64(1) {
		t.Errorf("applied = %v, want 1", applied)
	}
	snap, err := env.store.Get(context.Background(), models.EntityRecipe, "r1")
	if err != nil {
		t.Fatalf("remote Get() error = %v", err)
	}
	if ts, _ := snap.UpdatedAt(); ts <= 200 {
		t.Errorf("remote updated_at = %d, want > 200", ts)
	}
}

func TestSyncHandler_ResolveConflict_useCloud(t *testing.T) {
	env := setupTestEnv(t)
	id := seedConflict(t, env)

	rr := env.do(t, http.MethodPost, "/api/sync/conflicts/"+id+"/resolve", map[string]interface{}{"choice": "use_cloud"})
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decode(t, rr)
	if body["refresh_from_remote"] != true {
		t.Errorf("refresh_from_remote = %v, want true", body["refresh_from_remote"])
	}
	remoteSnap, _ := body["remote_snapshot"].(map[string]interface{})
	if remoteSnap["title"] != "Cloud soup" {
		t.Errorf("remote_snapshot = %v", body["remote_snapshot"])
	}
}

func TestSyncHandler_ResolveConflict_merge(t *testing.T) {
	env := setupTestEnv(t)
	id := seedConflict(t, env)

	rr := env.do(t, http.MethodPost, "/api/sync/conflicts/"+id+"/resolve", map[string]interface{}{"choice": "merge"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("merge without snapshot: expected status 400, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/api/sync/conflicts/"+id+"/resolve", map[string]interface{}{
		"choice": "merge",
		"merged": map[string]interface{}{"title": "Merged soup", "owner_id": "u1"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	entries, _ := env.queue.ListPending(context.Background())
	if len(entries) != 1 {
		t.Fatalf("queue entries = %d, want 1", len(entries))
	}
	op, err := env.queue.Decode(entries[0])
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if op.Kind != models.OperationUpdate {
		t.Errorf("kind = %s, want update", op.Kind)
	}
	if !bytes.Contains(op.Payload, []byte("Merged soup")) {
		t.Errorf("payload = %s", op.Payload)
	}
}

func TestSyncHandler_ResolveConflict_errors(t *testing.T) {
	env := setupTestEnv(t)
	id := seedConflict(t, env)

	tests := []struct {
		name   string
		id     string
		body   interface{}
		status int
	}{
		{"unknown id", "0190a1b2-c3d4-7e5f-8a9b-0c1d2e3f4a5b", map[string]interface{}{"choice": "use_local"}, http.StatusNotFound},
		{"malformed id", "missing", map[string]interface{}{"choice": "use_local"}, http.StatusBadRequest},
		{"invalid choice", id, map[string]interface{}{"choice": "ignore"}, http.StatusBadRequest},
		{"bad json", id, "{", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/api/sync/conflicts/"+tt.id+"/resolve", tt.body)
			if rr.Code != tt.status {
				t.Errorf("Expected status %d, got %d: %s", tt.status, rr.Code, rr.Body.String())
			}
		})
	}

	if n := len(env.coord.Resolver().Pending()); n != 1 {
		t.Errorf("failed resolutions should keep the conflict pending, got %d", n)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{"VALIDATION_ERROR", http.StatusBadRequest},
		{"NOT_FOUND", http.StatusNotFound},
		{"SYNC_CONFLICT", http.StatusConflict},
		{"SYNC_NOT_CONFIGURED", http.StatusServiceUnavailable},
		{"SYNC_AUTH_FAILED", http.StatusUnauthorized},
		{"SYNC_TIMEOUT", http.StatusGatewayTimeout},
		{"REMOTE_ERROR", http.StatusBadGateway},
		{"STORAGE_ERROR", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(apperrors.ErrorCode(tt.code)); got != tt.want {
			t.Errorf("statusFor(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}
