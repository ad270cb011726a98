package domain

import "time"

// Account is one set of CalDAV server credentials. The UUID is the stable
// local identity; URL/username/password define the remote identity and a
// change to any of them requires re-validation through the account service.
type Account struct {
	UUID      string
	URL       string // calendar home set, resolved at add-account time
	Username  string
	Password  string
	Name      string
	Error     string // last sync error, empty after a fully successful pass
	Color     int
	CreatedAt time.Time
}

// Calendar is one remote VTODO collection under an account.
// (AccountUUID, URL) is unique. CTag holds the last fully synced
// ctag/sync-token and advances only after a complete pass.
type Calendar struct {
	UUID        string
	AccountUUID string
	URL         string
	Name        string
	Color       int
	CTag        string
}

// CaldavTask correlates one local task with one remote resource.
// (CalendarUUID, Object) is unique. A row with DeletedAt set is pending a
// remote delete and must never be pushed as an update.
type CaldavTask struct {
	ID           int64
	TaskID       int64
	CalendarUUID string
	Object       string // resource name, the last URL path segment
	RemoteID     string // iCalendar UID, stable across renames
	ETag         string
	VTodo        string // cached serialized VTODO as last seen/sent
	LastSync     time.Time
	DeletedAt    *time.Time
}
