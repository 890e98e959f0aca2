package cache

import "testing"

func TestBucketName(t *testing.T) {
	if got := BucketName(PurposeStatic, "v1.2.0"); got != "static-v1.2.0" {
		t.Fatalf("unexpected static name %s", got)
	}
	if got := BucketName(PurposeRuntime, " v1.2.0 "); got != "runtime-v1.2.0" {
		t.Fatalf("unexpected runtime name %s", got)
	}
}

func TestBucketsCurrent(t *testing.T) {
	buckets := BucketsFor("v2")
	testCases := []struct {
		name    string
		current bool
	}{
		{"static-v2", true},
		{"runtime-v2", true},
		{"static-v1", false},
		{"runtime-v1", false},
		{"other", false},
	}
	for _, tc := range testCases {
		if got := buckets.Current(tc.name); got != tc.current {
			t.Fatalf("Current(%q) = %v, want %v", tc.name, got, tc.current)
		}
	}
}
