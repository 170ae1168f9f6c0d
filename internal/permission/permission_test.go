package permission

import "testing"

func TestHas(t *testing.T) {
	perms := []string{"platform.login", "attendance.mark"}

	if !Has("platform.login", perms) {
		t.Fatalf("expected membership")
	}
	if !Has("PLATFORM.LOGIN", perms) {
		t.Fatalf("expected case-insensitive match")
	}
	if Has("school.manage", perms) {
		t.Fatalf("expected miss")
	}
	if Has("platform", perms) {
		t.Fatalf("no prefix matching")
	}
	if Has("", perms) {
		t.Fatalf("empty permission never matches")
	}
	if Has("platform.login", nil) {
		t.Fatalf("empty set never matches")
	}
}
