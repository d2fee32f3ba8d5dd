package objectstore

import (
	"regexp"
	"strings"

	"github.com/shohei-video/analyzer-worker/internal/werr"
)

// keyPattern matches ^(uploads|results)/<userId>/<uploadId>/.+ with
// userId/uploadId restricted to [A-Za-z0-9_-]+ and uploadId further
// matching upload_<digits>_<alnum>.
var keyPattern = regexp.MustCompile(`^(uploads|results)/([A-Za-z0-9_-]+)/(upload_[0-9]+_[A-Za-z0-9]+)/.+$`)

// ValidateKey reports whether key conforms to the object-store key layout.
func ValidateKey(key string) bool {
	return keyPattern.MatchString(key)
}

// KeyOwner extracts the userId embedded in key, or "" if key is malformed.
func KeyOwner(key string) string {
	m := keyPattern.FindStringSubmatch(key)
	if m == nil {
		return ""
	}
	return m[2]
}

// RequireOwner validates that key is well-formed and embeds userID,
// returning PermissionDenied on mismatch and InvalidArgument on a malformed
// key.
func RequireOwner(key, userID string) error {
	if !ValidateKey(key) {
		return werr.Newf(werr.InvalidArgument, "objectstore.RequireOwner", "malformed object key %q", key)
	}
	if owner := KeyOwner(key); owner != userID {
		return werr.Newf(werr.PermissionDenied, "objectstore.RequireOwner", "key %q does not belong to user %q", key, userID)
	}
	return nil
}

// GenerateVideoKey builds the uploads/<userId>/<uploadId>/source.<ext> key.
func GenerateVideoKey(userID, uploadID, fileName string) string {
	ext := "bin"
	if i := strings.LastIndexByte(fileName, '.'); i >= 0 && i < len(fileName)-1 {
		ext = fileName[i+1:]
	}
	return "uploads/" + userID + "/" + uploadID + "/source." + ext
}

// GenerateAudioKey builds the uploads/<userId>/<uploadId>/audio.mp3 key.
func GenerateAudioKey(userID, uploadID string) string {
	return "uploads/" + userID + "/" + uploadID + "/audio.mp3"
}

// GenerateReportKey builds the results/<userId>/<uploadId>/report.xlsx key.
func GenerateReportKey(userID, uploadID string) string {
	return "results/" + userID + "/" + uploadID + "/report.xlsx"
}
