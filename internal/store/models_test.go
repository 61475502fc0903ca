package store

import "testing"

func TestSetFinPasswordThenVerify(t *testing.T) {
	u := &User{FinpassAttempts: 3}
	if err := u.SetFinPassword("correct horse battery staple"); err != nil {
		t.Fatalf("SetFinPassword: %v", err)
	}
	if u.FinpassAttempts != 0 {
		t.Errorf("expected attempts reset to 0, got %d", u.FinpassAttempts)
	}
	if u.FinPasswordHash == "" {
		t.Fatal("expected a non-empty hash")
	}
	if !u.VerifyFinPassword("correct horse battery staple") {
		t.Error("expected matching password to verify")
	}
	if u.VerifyFinPassword("wrong password") {
		t.Error("expected non-matching password to fail verification")
	}
}

func TestVerifyFinPasswordWithNoHashSetAlwaysFails(t *testing.T) {
	u := &User{}
	if u.VerifyFinPassword("anything") {
		t.Error("expected verification against an unset hash to fail")
	}
}
