package caldav

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Raw PROPFIND/REPORT layer. The emersion client covers object fetches, but
// it does not surface getctag/sync-token/calendar-color and cannot issue an
// etag-only calendar-query, so collection-level requests are spoken directly
// and decoded into typed multistatus structs in a single pass.

const (
	nsCalDAV       = "urn:ietf:params:xml:ns:caldav"
	nsCalendarServ = "http://calendarserver.org/ns/"
	nsAppleICal    = "http://apple.com/ns/ical/"
)

const propfindPrincipal = `<?xml version="1.0" encoding="UTF-8"?>
<d:propfind xmlns:d="DAV:">
 <d:prop><d:current-user-principal/></d:prop>
</d:propfind>`

const propfindHomeSet = `<?xml version="1.0" encoding="UTF-8"?>
<d:propfind xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
 <d:prop><c:calendar-home-set/></d:prop>
</d:propfind>`

const propfindCollection = `<?xml version="1.0" encoding="UTF-8"?>
<d:propfind xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav" xmlns:cs="http://calendarserver.org/ns/" xmlns:a="http://apple.com/ns/ical/">
 <d:prop>
  <d:resourcetype/>
  <d:displayname/>
  <c:supported-calendar-component-set/>
  <cs:getctag/>
  <d:sync-token/>
  <a:calendar-color/>
 </d:prop>
</d:propfind>`

const reportTodoEtags = `<?xml version="1.0" encoding="UTF-8"?>
<c:calendar-query xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
 <d:prop><d:getetag/></d:prop>
 <c:filter>
  <c:comp-filter name="VCALENDAR">
   <c:comp-filter name="VTODO"/>
  </c:comp-filter>
 </c:filter>
</c:calendar-query>`

type multistatus struct {
	XMLName   xml.Name     `xml:"DAV: multistatus"`
	Responses []msResponse `xml:"response"`
}

type msResponse struct {
	Href      string       `xml:"href"`
	Propstats []msPropstat `xml:"propstat"`
}

type msPropstat struct {
	Status string `xml:"status"`
	Prop   msProp `xml:"prop"`
}

// msProp carries every property this client ever asks for, one named field
// per property, populated by a single decode pass over the response.
type msProp struct {
	ResourceType         *msResourceType `xml:"resourcetype"`
	DisplayName          string          `xml:"displayname"`
	GetETag              string          `xml:"getetag"`
	GetCTag              string          `xml:"http://calendarserver.org/ns/ getctag"`
	SyncToken            string          `xml:"sync-token"`
	CalendarColor        string          `xml:"http://apple.com/ns/ical/ calendar-color"`
	CurrentUserPrincipal *msHref         `xml:"current-user-principal"`
	CalendarHomeSet      *msHrefs        `xml:"urn:ietf:params:xml:ns:caldav calendar-home-set"`
	SupportedComponents  *msCompSet      `xml:"urn:ietf:params:xml:ns:caldav supported-calendar-component-set"`
}

type msResourceType struct {
	Collection *struct{} `xml:"collection"`
	Calendar   *struct{} `xml:"urn:ietf:params:xml:ns:caldav calendar"`
}

type msHref struct {
	Href string `xml:"href"`
}

type msHrefs struct {
	Hrefs []string `xml:"href"`
}

type msCompSet struct {
	Comps []msComp `xml:"comp"`
}

type msComp struct {
	Name string `xml:"name,attr"`
}

func (r *msResponse) prop() *msProp {
	for i := range r.Propstats {
		ps := &r.Propstats[i]
		if ps.Status == "" || strings.Contains(ps.Status, "200") {
			return &ps.Prop
		}
	}
	return nil
}

func (r *msResponse) isTaskCalendar() bool {
	prop := r.prop()
	if prop == nil || prop.ResourceType == nil || prop.ResourceType.Calendar == nil {
		return false
	}
	if prop.SupportedComponents == nil {
		return false
	}
	for _, c := range prop.SupportedComponents.Comps {
		if c.Name == "VTODO" {
			return true
		}
	}
	return false
}

// ctag prefers the RFC 6578 sync-token over the calendarserver getctag.
func (p *msProp) ctag() string {
	if p.SyncToken != "" {
		return p.SyncToken
	}
	return p.GetCTag
}

// unquoteETag strips the RFC 7232 quoting (and a weak-validator prefix) from
// a listed ETag. PROPFIND/REPORT responses keep the wire quotes while object
// fetches hand back the bare value; stored ETags are always the bare form.
func unquoteETag(s string) string {
	s = strings.TrimPrefix(strings.TrimSpace(s), "W/")
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		s = s[1 : len(s)-1]
	}
	return s
}

// parseColor reads an apple-style #RRGGBB or #RRGGBBAA value.
func parseColor(s string) int {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 && len(s) != 8 {
		return 0
	}
	rgb, err := strconv.ParseUint(s[:6], 16, 32)
	if err != nil {
		return 0
	}
	alpha := uint64(0xFF)
	if len(s) == 8 {
		alpha, err = strconv.ParseUint(s[6:], 16, 32)
		if err != nil {
			return 0
		}
	}
	return int(alpha<<24 | rgb)
}

// davRequest issues a PROPFIND or REPORT and decodes the 207 multistatus
// response. Any other success status is a protocol violation here.
func (c *Client) davRequest(ctx context.Context, method string, target *url.URL, depth int, body string) (*multistatus, error) {
	req, err := http.NewRequestWithContext(ctx, method, target.String(), strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", `application/xml; charset="utf-8"`)
	req.Header.Set("Depth", strconv.Itoa(depth))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus {
		io.Copy(io.Discard, resp.Body)
		return nil, &HTTPError{Method: method, URL: target.String(), Status: resp.StatusCode}
	}

	var ms multistatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return nil, &DavError{Reason: fmt.Sprintf("decode multistatus from %s: %v", target, err)}
	}
	return &ms, nil
}
