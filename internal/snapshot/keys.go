package snapshot

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/and161185/copydeck/internal/errs"
)

const (
	userKeyPrefix   = "user_"
	manualMarker    = "manual_"
	legacyKeyPrefix = "snap_"
	legacyDefault   = "default"
	profileSuffix   = "_profile"
)

// Namespace returns the key prefix owned by username. Anonymous callers have none.
func Namespace(username string) string {
	if username == "" {
		return ""
	}
	return userKeyPrefix + username + "_"
}

// ListPattern returns the POSIX regular expression matching the keys username
// may list. With ownOnly a named user's pattern leaves out the shared legacy
// keys. The username is matched literally, so "al" never matches "al_ice".
func ListPattern(username string, ownOnly bool) string {
	const shared = legacyDefault + "|" + legacyKeyPrefix + "[0-9]+"
	if username == "" {
		return "^(" + shared + ")$"
	}
	own := userKeyPrefix + regexp.QuoteMeta(username) + "_" + manualMarker + "[0-9]+"
	if ownOnly {
		return "^" + own + "$"
	}
	return "^(" + shared + "|" + own + ")$"
}

// NewKey returns the record key of a snapshot saved by username at t.
func NewKey(username string, t time.Time) string {
	ms := strconv.FormatInt(t.UnixMilli(), 10)
	if username == "" {
		return legacyKeyPrefix + ms
	}
	return Namespace(username) + manualMarker + ms
}

// IsProfileKey reports whether key names a user-profile record rather than a snapshot.
func IsProfileKey(key string) bool {
	if !strings.HasPrefix(key, userKeyPrefix) {
		return false
	}
	return strings.HasSuffix(key, profileSuffix) || strings.Contains(key, profileSuffix+"_")
}

// IsLegacyKey reports keys of the shared pre-namespace history: "default" and snap_<digits>.
func IsLegacyKey(key string) bool {
	if key == legacyDefault {
		return true
	}
	ms, ok := strings.CutPrefix(key, legacyKeyPrefix)
	return ok && allDigits(ms)
}

// CheckAccess reports whether username may read or delete the record under key.
func CheckAccess(key, username string) error {
	switch {
	case key == "":
		return errs.Validation("empty snapshot key")
	case IsProfileKey(key):
		return errs.Permission(key, "profile record")
	case IsLegacyKey(key):
		return nil
	case username == "":
		return errs.Permission(key, "namespaced key requires a user")
	}
	// The suffix must be exactly manual_<digits>: usernames may contain "_",
	// so a bare prefix match would let "al" read "user_al_ice_manual_1".
	rest, ok := strings.CutPrefix(key, Namespace(username))
	if !ok {
		return errs.Permission(key, "outside namespace of "+username)
	}
	ms, ok := strings.CutPrefix(rest, manualMarker)
	if !ok || !allDigits(ms) {
		return errs.Permission(key, "outside namespace of "+username)
	}
	return nil
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// visible applies the list filters for key: profile records are dropped and
// only keys that pass CheckAccess remain. A named user's primary listing is
// narrowed further to that user's own namespace.
func visible(key, username string, ownOnly bool) bool {
	if IsProfileKey(key) || CheckAccess(key, username) != nil {
		return false
	}
	if ownOnly && username != "" {
		return strings.HasPrefix(key, Namespace(username))
	}
	return true
}
