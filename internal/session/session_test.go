package session

import (
	"testing"
	"time"
)

func TestLoginAndValidate(t *testing.T) {
	m := NewManager("hunter2", 0)

	if _, err := m.Login("wrong"); err != ErrUnauthorized {
		t.Fatalf("Login(wrong) err = %v, want ErrUnauthorized", err)
	}

	token, err := m.Login("hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !m.Validate(token) {
		t.Fatal("Validate rejected a fresh session")
	}
	if m.Validate("") || m.Validate("bogus") {
		t.Fatal("Validate accepted an invalid token")
	}
}

func TestEmptyPasswordNeverAuthenticates(t *testing.T) {
	m := NewManager("", 0)
	if _, err := m.Login(""); err != ErrUnauthorized {
		t.Fatalf("empty configured password must reject all logins, got %v", err)
	}
}

func TestLogout(t *testing.T) {
	m := NewManager("hunter2", 0)
	token, _ := m.Login("hunter2")
	m.Logout(token)
	if m.Validate(token) {
		t.Fatal("Validate accepted a logged-out session")
	}
}

func TestExpiry(t *testing.T) {
	m := NewManager("hunter2", time.Hour)
	now := time.Unix(1700000000, 0)
	m.now = func() time.Time { return now }

	token, _ := m.Login("hunter2")
	now = now.Add(59 * time.Minute)
	if !m.Validate(token) {
		t.Fatal("session expired early")
	}
	now = now.Add(2 * time.Minute)
	if m.Validate(token) {
		t.Fatal("Validate accepted an expired session")
	}
	// Expired sessions are removed on observation.
	if m.Validate(token) {
		t.Fatal("expired session resurrected")
	}
}

func TestSetPassword(t *testing.T) {
	m := NewManager("old", 0)
	token, _ := m.Login("old")
	m.SetPassword("new")

	if _, err := m.Login("old"); err != ErrUnauthorized {
		t.Fatal("old password still accepted after rotation")
	}
	if _, err := m.Login("new"); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}
	if !m.Validate(token) {
		t.Fatal("existing session invalidated by password rotation")
	}
}
