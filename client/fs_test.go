package client

import "testing"

func TestIsPathRestricted(t *testing.T) {
	cases := []struct {
		path     string
		patterns []string
		want     bool
	}{
		{"/work/secret/key.pem", []string{"/work/secret/**"}, true},
		{"/work/secret/nested/key.pem", []string{"/work/secret/**"}, true},
		{"/work/main.go", []string{"/work/secret/**"}, false},
		{".acpc/registry.json", []string{".acpc", ".acpc/**"}, true},
		{".acpc", []string{".acpc", ".acpc/**"}, true},
		{"main.go", nil, false},
		{"/work/a.env", []string{"**/*.env"}, true},
	}
	for _, tc := range cases {
		got, err := isPathRestricted(tc.path, tc.patterns)
		if err != nil {
			t.Errorf("isPathRestricted(%q, %v) failed: %v", tc.path, tc.patterns, err)
			continue
		}
		if got != tc.want {
			t.Errorf("isPathRestricted(%q, %v) = %v, want %v", tc.path, tc.patterns, got, tc.want)
		}
	}
}

func TestIsPathRestrictedRejectsBadPattern(t *testing.T) {
	if _, err := isPathRestricted("/work/a", []string{"[invalid"}); err == nil {
		t.Error("invalid glob pattern accepted")
	}
}
