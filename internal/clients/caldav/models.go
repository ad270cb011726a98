package caldav

// Collection is one remote calendar collection that stores tasks.
type Collection struct {
	Href  string // absolute URL of the collection
	Name  string
	Color int
	CTag  string // sync-token when the server provides one, getctag otherwise
}

// Resource is one fetched calendar object.
type Resource struct {
	Name string // resource name, the last path segment
	ETag string
	Raw  string // serialized iCalendar data
}

// ResourceListing is the result of a changed-resource query: the full remote
// membership plus the bodies of everything that changed against the known
// etag set.
type ResourceListing struct {
	Members []string
	Changed []Resource
}
