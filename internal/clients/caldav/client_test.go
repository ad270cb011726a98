package caldav

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const principalResponse = `<?xml version="1.0" encoding="UTF-8"?>
<d:multistatus xmlns:d="DAV:">
 <d:response>
  <d:href>/</d:href>
  <d:propstat>
   <d:prop>
    <d:current-user-principal><d:href>/principals/alice/</d:href></d:current-user-principal>
   </d:prop>
   <d:status>HTTP/1.1 200 OK</d:status>
  </d:propstat>
 </d:response>
</d:multistatus>`

const homeSetResponse = `<?xml version="1.0" encoding="UTF-8"?>
<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
 <d:response>
  <d:href>/principals/alice/</d:href>
  <d:propstat>
   <d:prop>
    <c:calendar-home-set><d:href>/cal/alice/</d:href></c:calendar-home-set>
   </d:prop>
   <d:status>HTTP/1.1 200 OK</d:status>
  </d:propstat>
 </d:response>
</d:multistatus>`

const calendarListResponse = `<?xml version="1.0" encoding="UTF-8"?>
<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav" xmlns:cs="http://calendarserver.org/ns/" xmlns:a="http://apple.com/ns/ical/">
 <d:response>
  <d:href>/</d:href>
  <d:propstat>
   <d:prop><d:resourcetype><d:collection/></d:resourcetype></d:prop>
   <d:status>HTTP/1.1 200 OK</d:status>
  </d:propstat>
 </d:response>
 <d:response>
  <d:href>/cal/work/</d:href>
  <d:propstat>
   <d:prop>
    <d:resourcetype><d:collection/><c:calendar/></d:resourcetype>
    <d:displayname>Work</d:displayname>
    <c:supported-calendar-component-set><c:comp name="VTODO"/><c:comp name="VEVENT"/></c:supported-calendar-component-set>
    <cs:getctag>ct-1</cs:getctag>
    <d:sync-token>st-1</d:sync-token>
    <a:calendar-color>#FF0000</a:calendar-color>
   </d:prop>
   <d:status>HTTP/1.1 200 OK</d:status>
  </d:propstat>
 </d:response>
 <d:response>
  <d:href>/cal/events/</d:href>
  <d:propstat>
   <d:prop>
    <d:resourcetype><d:collection/><c:calendar/></d:resourcetype>
    <d:displayname>Events</d:displayname>
    <c:supported-calendar-component-set><c:comp name="VEVENT"/></c:supported-calendar-component-set>
   </d:prop>
   <d:status>HTTP/1.1 200 OK</d:status>
  </d:propstat>
 </d:response>
</d:multistatus>`

const etagListingResponse = `<?xml version="1.0" encoding="UTF-8"?>
<d:multistatus xmlns:d="DAV:">
 <d:response>
  <d:href>/cal/work/task-1.ics</d:href>
  <d:propstat>
   <d:prop><d:getetag>&quot;e1&quot;</d:getetag></d:prop>
   <d:status>HTTP/1.1 200 OK</d:status>
  </d:propstat>
 </d:response>
 <d:response>
  <d:href>/cal/work/task-2.ics</d:href>
  <d:propstat>
   <d:prop><d:getetag>&quot;e2&quot;</d:getetag></d:prop>
   <d:status>HTTP/1.1 200 OK</d:status>
  </d:propstat>
 </d:response>
 <d:response>
  <d:href>/cal/work/task-3.ics</d:href>
  <d:propstat>
   <d:prop><d:getetag></d:getetag></d:prop>
   <d:status>HTTP/1.1 404 Not Found</d:status>
  </d:propstat>
 </d:response>
</d:multistatus>`

const taskTwoICS = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\nBEGIN:VTODO\r\nUID:task-2\r\nDTSTAMP:20240110T120000Z\r\nSUMMARY:Buy milk\r\nEND:VTODO\r\nEND:VCALENDAR\r\n"

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, "alice", "secret")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client, srv
}

func TestResolveHomeSetWellKnownFallback(t *testing.T) {
	client, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch {
		case r.URL.Path == "/.well-known/caldav":
			w.WriteHeader(http.StatusMethodNotAllowed)
		case strings.Contains(string(body), "current-user-principal"):
			w.WriteHeader(http.StatusMultiStatus)
			io.WriteString(w, principalResponse)
		case strings.Contains(string(body), "calendar-home-set"):
			if r.URL.Path != "/principals/alice/" {
				t.Errorf("home set requested at %s, want /principals/alice/", r.URL.Path)
			}
			w.WriteHeader(http.StatusMultiStatus)
			io.WriteString(w, homeSetResponse)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))

	homeSet, err := client.ResolveHomeSet(context.Background())
	if err != nil {
		t.Fatalf("ResolveHomeSet: %v", err)
	}
	if want := srv.URL + "/cal/alice/"; homeSet != want {
		t.Errorf("home set = %q, want %q", homeSet, want)
	}
}

func TestResolveHomeSetUnauthorized(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := client.ResolveHomeSet(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if StatusOf(err) != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", StatusOf(err))
	}
}

func TestResolveHomeSetMissing(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMultiStatus)
		io.WriteString(w, principalResponse)
	}))

	_, err := client.ResolveHomeSet(context.Background())
	if !errors.Is(err, ErrHomeSetNotFound) {
		t.Errorf("err = %v, want ErrHomeSetNotFound", err)
	}
}

func TestListCalendarsFiltersTaskCollections(t *testing.T) {
	client, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "PROPFIND" {
			t.Errorf("method = %s, want PROPFIND", r.Method)
		}
		if r.Header.Get("Depth") != "1" {
			t.Errorf("depth = %s, want 1", r.Header.Get("Depth"))
		}
		w.WriteHeader(http.StatusMultiStatus)
		io.WriteString(w, calendarListResponse)
	}))

	collections, err := client.ListCalendars(context.Background())
	if err != nil {
		t.Fatalf("ListCalendars: %v", err)
	}
	if len(collections) != 1 {
		t.Fatalf("got %d collections, want 1", len(collections))
	}
	col := collections[0]
	if want := srv.URL + "/cal/work/"; col.Href != want {
		t.Errorf("href = %q, want %q", col.Href, want)
	}
	if col.Name != "Work" {
		t.Errorf("name = %q, want Work", col.Name)
	}
	if col.CTag != "st-1" {
		t.Errorf("ctag = %q, want sync-token st-1", col.CTag)
	}
	if col.Color != int(0xFFFF0000) {
		t.Errorf("color = %#x, want 0xFFFF0000", col.Color)
	}
}

func TestListCalendarsNoneSupported(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMultiStatus)
		io.WriteString(w, `<?xml version="1.0"?><d:multistatus xmlns:d="DAV:"></d:multistatus>`)
	}))

	_, err := client.ListCalendars(context.Background())
	if !errors.Is(err, ErrNoSupportedCalendars) {
		t.Errorf("err = %v, want ErrNoSupportedCalendars", err)
	}
}

func TestQueryChangedResourcesSingleGet(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case "REPORT":
			w.WriteHeader(http.StatusMultiStatus)
			io.WriteString(w, etagListingResponse)
		case "GET":
			if r.URL.Path != "/cal/work/task-2.ics" {
				t.Errorf("GET %s, want /cal/work/task-2.ics", r.URL.Path)
			}
			w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
			w.Header().Set("ETag", `"e2"`)
			io.WriteString(w, taskTwoICS)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))

	known := map[string]string{
		"task-1.ics": "e1",
		"task-2.ics": "e1",
	}
	listing, err := client.QueryChangedResources(context.Background(), "/cal/work/", known)
	if err != nil {
		t.Fatalf("QueryChangedResources: %v", err)
	}
	if len(listing.Members) != 3 {
		t.Errorf("got %d members, want 3", len(listing.Members))
	}
	if len(listing.Changed) != 1 {
		t.Fatalf("got %d changed, want 1", len(listing.Changed))
	}
	res := listing.Changed[0]
	if res.Name != "task-2.ics" {
		t.Errorf("name = %q, want task-2.ics", res.Name)
	}
	if res.ETag != "e2" {
		t.Errorf("etag = %q, want the unquoted e2", res.ETag)
	}
	if !strings.Contains(res.Raw, "Buy milk") {
		t.Errorf("raw data missing summary: %q", res.Raw)
	}
}

// calendarDataXML escapes an ICS body for embedding in a multistatus
// response, keeping the CRLF line endings across XML parsing.
func calendarDataXML(summary, uid string) string {
	body := "BEGIN:VCALENDAR\nVERSION:2.0\nPRODID:-//test//EN\nBEGIN:VTODO\nUID:" + uid +
		"\nDTSTAMP:20240110T120000Z\nSUMMARY:" + summary + "\nEND:VTODO\nEND:VCALENDAR\n"
	return strings.ReplaceAll(body, "\n", "&#13;\n")
}

func TestQueryChangedResourcesMultiGet(t *testing.T) {
	multigetResponse := `<?xml version="1.0" encoding="UTF-8"?>
<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
 <d:response>
  <d:href>/cal/work/task-1.ics</d:href>
  <d:propstat>
   <d:prop>
    <d:getetag>&quot;e3&quot;</d:getetag>
    <c:calendar-data>` + calendarDataXML("First", "task-1") + `</c:calendar-data>
   </d:prop>
   <d:status>HTTP/1.1 200 OK</d:status>
  </d:propstat>
 </d:response>
 <d:response>
  <d:href>/cal/work/task-2.ics</d:href>
  <d:propstat>
   <d:prop>
    <d:getetag>&quot;e4&quot;</d:getetag>
    <c:calendar-data>` + calendarDataXML("Second", "task-2") + `</c:calendar-data>
   </d:prop>
   <d:status>HTTP/1.1 200 OK</d:status>
  </d:propstat>
 </d:response>
</d:multistatus>`

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch {
		case r.Method == "REPORT" && strings.Contains(string(body), "calendar-multiget"):
			w.WriteHeader(http.StatusMultiStatus)
			io.WriteString(w, multigetResponse)
		case r.Method == "REPORT":
			w.WriteHeader(http.StatusMultiStatus)
			io.WriteString(w, etagListingResponse)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))

	listing, err := client.QueryChangedResources(context.Background(), "/cal/work/", nil)
	if err != nil {
		t.Fatalf("QueryChangedResources: %v", err)
	}
	if len(listing.Changed) != 2 {
		t.Fatalf("got %d changed, want 2", len(listing.Changed))
	}
	if !strings.Contains(listing.Changed[0].Raw, "First") || !strings.Contains(listing.Changed[1].Raw, "Second") {
		t.Error("fetched bodies do not match the listing order")
	}
}

// The etag listing keeps RFC quoting while fetched objects carry the bare
// value; a second pass against an unchanged server must see zero changes.
func TestQueryChangedResourcesETagsStableAcrossFetch(t *testing.T) {
	multigets := 0
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch {
		case r.Method == "REPORT" && strings.Contains(string(body), "calendar-multiget"):
			multigets++
			w.WriteHeader(http.StatusMultiStatus)
			io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>
<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
 <d:response>
  <d:href>/cal/work/task-1.ics</d:href>
  <d:propstat>
   <d:prop>
    <d:getetag>&quot;e1&quot;</d:getetag>
    <c:calendar-data>`+calendarDataXML("First", "task-1")+`</c:calendar-data>
   </d:prop>
   <d:status>HTTP/1.1 200 OK</d:status>
  </d:propstat>
 </d:response>
 <d:response>
  <d:href>/cal/work/task-2.ics</d:href>
  <d:propstat>
   <d:prop>
    <d:getetag>&quot;e2&quot;</d:getetag>
    <c:calendar-data>`+calendarDataXML("Second", "task-2")+`</c:calendar-data>
   </d:prop>
   <d:status>HTTP/1.1 200 OK</d:status>
  </d:propstat>
 </d:response>
</d:multistatus>`)
		case r.Method == "REPORT":
			w.WriteHeader(http.StatusMultiStatus)
			io.WriteString(w, etagListingResponse)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))

	first, err := client.QueryChangedResources(context.Background(), "/cal/work/", nil)
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if len(first.Changed) != 2 {
		t.Fatalf("first pass got %d changed, want 2", len(first.Changed))
	}

	known := map[string]string{}
	for _, res := range first.Changed {
		known[res.Name] = res.ETag
	}
	second, err := client.QueryChangedResources(context.Background(), "/cal/work/", known)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if len(second.Changed) != 0 {
		t.Errorf("unchanged resources refetched: %d changed", len(second.Changed))
	}
	if multigets != 1 {
		t.Errorf("multiget ran %d times, want 1", multigets)
	}
}

func TestDeleteResourceToleratesNotFound(t *testing.T) {
	status := http.StatusNotFound
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s, want DELETE", r.Method)
		}
		w.WriteHeader(status)
	}))

	if err := client.DeleteResource(context.Background(), "/cal/work/task-1.ics"); err != nil {
		t.Errorf("delete on 404: %v", err)
	}

	status = http.StatusNoContent
	if err := client.DeleteResource(context.Background(), "/cal/work/task-1.ics"); err != nil {
		t.Errorf("delete on 204: %v", err)
	}

	status = http.StatusForbidden
	err := client.DeleteResource(context.Background(), "/cal/work/task-1.ics")
	if StatusOf(err) != http.StatusForbidden {
		t.Errorf("err = %v, want HTTP 403", err)
	}
}

func TestParseColor(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"#FF0000", int(0xFFFF0000)},
		{"#00FF0080", int(0x8000FF00)},
		{"", 0},
		{"#GGHHII", 0},
		{"red", 0},
	}
	for _, tc := range cases {
		if got := parseColor(tc.in); got != tc.want {
			t.Errorf("parseColor(%q) = %#x, want %#x", tc.in, got, tc.want)
		}
	}
}
