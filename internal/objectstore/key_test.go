package objectstore

import (
	"testing"

	"github.com/shohei-video/analyzer-worker/internal/werr"
)

func TestValidateKeyRoundTrip(t *testing.T) {
	key := GenerateVideoKey("user_1", "upload_1700000000_ab12", "movie.mp4")
	if !ValidateKey(key) {
		t.Errorf("expected generated key %q to validate", key)
	}
}

func TestValidateKeyRejectsPathTraversal(t *testing.T) {
	if ValidateKey("../../etc/passwd") {
		t.Error("expected path traversal key to be rejected")
	}
}

func TestValidateKeyRejectsWrongPrefix(t *testing.T) {
	if ValidateKey("other/user_1/upload_1_a/source.mp4") {
		t.Error("expected a non uploads|results prefix to be rejected")
	}
}

func TestKeyOwnerExtractsUserID(t *testing.T) {
	key := GenerateReportKey("user_42", "upload_1_abc")
	if got := KeyOwner(key); got != "user_42" {
		t.Errorf("KeyOwner = %q, want user_42", got)
	}
}

func TestRequireOwnerMismatchIsPermissionDenied(t *testing.T) {
	key := GenerateVideoKey("user_1", "upload_1_abc", "a.mp4")
	err := RequireOwner(key, "user_2")
	if !werr.Is(err, werr.PermissionDenied) {
		t.Errorf("expected PermissionDenied, got %v", err)
	}
}

func TestRequireOwnerMalformedKeyIsInvalidArgument(t *testing.T) {
	err := RequireOwner("not-a-key", "user_1")
	if !werr.Is(err, werr.InvalidArgument) {
		t.Errorf("expected InvalidArgument, got %v", err)
	}
}
