package handlers

import (
	"context"
	"net/http"
	"testing"
)

// =====================================================
// Auth Endpoint Tests
// =====================================================

func TestAuthHandler_GetSession(t *testing.T) {
	env := setupTestEnv(t)

	body := decode(t, env.do(t, http.MethodGet, "/api/auth/session", nil))
	if body["signed_in"] != true {
		t.Errorf("signed_in = %v, want true", body["signed_in"])
	}
	identity, ok := body["identity"].(map[string]interface{})
	if !ok || identity["owner_id"] != "u1" {
		t.Errorf("identity = %v", body["identity"])
	}
}

func TestAuthHandler_SignOutSignIn(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.sched.Start(ctx)
	t.Cleanup(env.sched.Stop)

	if !env.sched.Status(ctx).LoopActive {
		t.Fatal("loop should run while signed in")
	}

	rr := env.do(t, http.MethodPost, "/api/auth/signout", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if body := decode(t, rr); body["signed_in"] != false {
		t.Errorf("signed_in = %v, want false", body["signed_in"])
	}
	if st := env.sched.Status(ctx); st.LoopActive || st.SignedIn {
		t.Errorf("status after sign-out = %+v", st)
	}

	// Signing out again is harmless.
	if rr := env.do(t, http.MethodPost, "/api/auth/signout", nil); rr.Code != http.StatusOK {
		t.Errorf("second sign-out status = %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/api/auth/signin", map[string]interface{}{"owner_id": "u2", "display_name": "Ana"})
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if id := env.session.CurrentIdentity(); id == nil || id.OwnerID != "u2" || id.DisplayName != "Ana" {
		t.Errorf("CurrentIdentity() = %+v", id)
	}
	if !env.sched.Status(ctx).LoopActive {
		t.Error("loop should restart after sign-in")
	}
}

func TestAuthHandler_SignIn_invalid(t *testing.T) {
	env := setupTestEnv(t)

	tests := []struct {
		name string
		body interface{}
	}{
		{"bad json", "{"},
		{"missing owner", map[string]interface{}{"display_name": "Ana"}},
		{"blank owner", map[string]interface{}{"owner_id": "   "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/api/auth/signin", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d: %s", rr.Code, rr.Body.String())
			}
		})
	}

	if id := env.session.CurrentIdentity(); id == nil || id.OwnerID != "u1" {
		t.Errorf("identity changed to %+v", id)
	}
}
