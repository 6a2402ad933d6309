package schema

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

const (
	LoggedIn    = "logged_in"
	NotLoggedIn = "not_logged_in"
)

type DatatypePermission struct {
	View   bool
	Edit   bool
	Delete bool
	Add    bool
	Admin  bool
}

// Permissions maps a datatype id to what the user may do with it
type Permissions map[int64]DatatypePermission

// Viewer is the user on whose behalf a search runs. UserID 0 is an anonymous user.
type Viewer struct {
	UserID      int64
	SuperAdmin  bool
	Permissions Permissions
}

func Anonymous() Viewer {
	return Viewer{}
}

func (v Viewer) LoggedIn() bool {
	return v.UserID != 0
}

// LoginState names the cache partition that results for this viewer belong to
func (v Viewer) LoginState() string {
	if v.LoggedIn() {
		return LoggedIn
	}
	return NotLoggedIn
}

// CanView reports whether the viewer may see non-public records of the datatype
func (v Viewer) CanView(datatypeID int64) bool {
	return v.SuperAdmin || v.Permissions[datatypeID].View
}

// CanSee reports whether the datatype is visible at all
func (v Viewer) CanSee(dt *Datatype) bool {
	return dt.IsPublic() || v.CanView(dt.ID)
}

// Digest identifies the visibility regime of the viewer. Two viewers with the same digest
// see exactly the same records.
func (v Viewer) Digest() string {
	if !v.LoggedIn() {
		return "anonymous"
	}
	if v.SuperAdmin {
		return "superadmin"
	}
	ids := []int64{}
	for id, p := range v.Permissions {
		if p.View {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	s := strings.Builder{}
	for _, id := range ids {
		fmt.Fprintf(&s, "%v,", id)
	}
	hash := sha1.Sum([]byte(s.String()))
	return hex.EncodeToString(hash[:8])
}
