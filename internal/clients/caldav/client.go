package caldav

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	webcaldav "github.com/emersion/go-webdav/caldav"
)

const defaultBatchSize = 30

// Client is one authenticated CalDAV session bound to one account. Each
// client owns its own cookie jar; nothing is shared across accounts.
type Client struct {
	baseURL   *url.URL
	username  string
	password  string
	http      *http.Client
	dav       *webcaldav.Client
	batchSize int
}

// NewClient creates a client rooted at baseURL. For a configured account the
// base URL is the calendar home set; for discovery it is whatever the user
// typed.
func NewClient(baseURL, username, password string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	httpClient := &http.Client{
		Transport: &basicAuthTransport{
			username: username,
			password: password,
		},
		Jar:     jar,
		Timeout: 30 * time.Second,
	}

	dav, err := webcaldav.NewClient(httpClient, baseURL)
	if err != nil {
		return nil, fmt.Errorf("create caldav client: %w", err)
	}

	return &Client{
		baseURL:   u,
		username:  username,
		password:  password,
		http:      httpClient,
		dav:       dav,
		batchSize: defaultBatchSize,
	}, nil
}

// SetTimeout overrides the per-request timeout.
func (c *Client) SetTimeout(d time.Duration) {
	c.http.Timeout = d
}

// SetBatchSize overrides the multiget batch size.
func (c *Client) SetBatchSize(n int) {
	if n > 0 {
		c.batchSize = n
	}
}

// basicAuthTransport adds Basic Auth to HTTP requests
type basicAuthTransport struct {
	username string
	password string
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.username, t.password)
	return http.DefaultTransport.RoundTrip(req)
}

func (c *Client) resolve(ref string) *url.URL {
	return resolveRef(c.baseURL, ref)
}

func resolveRef(base *url.URL, ref string) *url.URL {
	u, err := url.Parse(ref)
	if err != nil {
		return base
	}
	return base.ResolveReference(u)
}

// objectName returns the resource name, the last path segment of an href.
func objectName(href string) string {
	if u, err := url.Parse(href); err == nil {
		href = u.Path
	}
	return path.Base(strings.TrimSuffix(href, "/"))
}

// joinObject appends a resource name to a collection href.
func joinObject(colHref, object string) string {
	if !strings.HasSuffix(colHref, "/") {
		colHref += "/"
	}
	return colHref + object
}

// ResolveHomeSet discovers the calendar home set for the account. Principal
// discovery tries /.well-known/caldav first and falls back to the account
// root; a candidate answering with 405 or any other non-auth failure just
// means "try the next one".
func (c *Client) ResolveHomeSet(ctx context.Context) (string, error) {
	var principal *url.URL
	for _, candidate := range []string{"/.well-known/caldav", ""} {
		target := c.resolve(candidate)
		ms, err := c.davRequest(ctx, "PROPFIND", target, 0, propfindPrincipal)
		if err != nil {
			if StatusOf(err) == http.StatusUnauthorized {
				return "", err
			}
			log.Printf("principal discovery at %s: %v", target, err)
			continue
		}
		if len(ms.Responses) == 0 {
			continue
		}
		prop := ms.Responses[0].prop()
		if prop == nil || prop.CurrentUserPrincipal == nil || prop.CurrentUserPrincipal.Href == "" {
			continue
		}
		principal = resolveRef(target, prop.CurrentUserPrincipal.Href)
		break
	}

	target := c.baseURL
	if principal != nil {
		target = principal
	}
	ms, err := c.davRequest(ctx, "PROPFIND", target, 0, propfindHomeSet)
	if err != nil {
		return "", err
	}
	if len(ms.Responses) == 0 {
		return "", ErrHomeSetNotFound
	}
	prop := ms.Responses[0].prop()
	if prop == nil || prop.CalendarHomeSet == nil || len(prop.CalendarHomeSet.Hrefs) != 1 {
		return "", ErrHomeSetNotFound
	}
	homeSet := prop.CalendarHomeSet.Hrefs[0]
	if homeSet == "" {
		return "", ErrHomeSetNotFound
	}
	return resolveRef(target, homeSet).String(), nil
}

// ListCalendars lists the task-capable collections under the home set:
// members whose resourcetype includes calendar and whose component set
// includes VTODO.
func (c *Client) ListCalendars(ctx context.Context) ([]Collection, error) {
	ms, err := c.davRequest(ctx, "PROPFIND", c.baseURL, 1, propfindCollection)
	if err != nil {
		return nil, err
	}

	basePath := strings.TrimSuffix(c.baseURL.Path, "/")
	var collections []Collection
	for i := range ms.Responses {
		resp := &ms.Responses[i]
		if strings.TrimSuffix(resp.Href, "/") == basePath {
			continue // the home set itself, not a member
		}
		if !resp.isTaskCalendar() {
			continue
		}
		prop := resp.prop()
		collections = append(collections, Collection{
			Href:  c.resolve(resp.Href).String(),
			Name:  prop.DisplayName,
			Color: parseColor(prop.CalendarColor),
			CTag:  prop.ctag(),
		})
	}
	if len(collections) == 0 {
		return nil, ErrNoSupportedCalendars
	}
	return collections, nil
}

// GetCollection re-reads one collection's name, color and change tag.
func (c *Client) GetCollection(ctx context.Context, href string) (*Collection, error) {
	target := c.resolve(href)
	ms, err := c.davRequest(ctx, "PROPFIND", target, 0, propfindCollection)
	if err != nil {
		return nil, err
	}
	if len(ms.Responses) == 0 {
		return nil, &DavError{Reason: "empty multistatus for " + href}
	}
	prop := ms.Responses[0].prop()
	if prop == nil {
		return nil, &DavError{Reason: "no properties for " + href}
	}
	return &Collection{
		Href:  href,
		Name:  prop.DisplayName,
		Color: parseColor(prop.CalendarColor),
		CTag:  prop.ctag(),
	}, nil
}

type member struct {
	href string
	name string
	etag string
}

// QueryChangedResources lists the collection's VTODO resources and fetches
// the bodies of those whose ETag is missing from or differs from known.
// Single changed resources are fetched with a plain GET, larger sets with
// batched multiget REPORTs.
func (c *Client) QueryChangedResources(ctx context.Context, colHref string, known map[string]string) (*ResourceListing, error) {
	target := c.resolve(colHref)
	ms, err := c.davRequest(ctx, "REPORT", target, 1, reportTodoEtags)
	if err != nil {
		return nil, err
	}

	listing := &ResourceListing{}
	var changed []member
	for i := range ms.Responses {
		resp := &ms.Responses[i]
		name := objectName(resp.Href)
		listing.Members = append(listing.Members, name)
		prop := resp.prop()
		if prop == nil || prop.GetETag == "" {
			// A member the server refuses to version; leave it alone.
			continue
		}
		etag := unquoteETag(prop.GetETag)
		if known[name] == etag {
			continue
		}
		changed = append(changed, member{href: resp.Href, name: name, etag: etag})
	}

	for start := 0; start < len(changed); start += c.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + c.batchSize
		if end > len(changed) {
			end = len(changed)
		}
		batch := changed[start:end]

		if len(batch) == 1 {
			res, err := c.getResource(ctx, batch[0])
			if err != nil {
				return nil, err
			}
			listing.Changed = append(listing.Changed, *res)
			continue
		}

		paths := make([]string, 0, len(batch))
		for _, m := range batch {
			paths = append(paths, m.href)
		}
		objects, err := c.dav.MultiGetCalendar(ctx, target.Path, &webcaldav.CalendarMultiGet{Paths: paths})
		if err != nil {
			return nil, err
		}
		for i := range objects {
			obj := &objects[i]
			if obj.ETag == "" {
				return nil, &DavError{Reason: "multiget response without ETag for " + obj.Path}
			}
			if obj.Data == nil {
				return nil, &DavError{Reason: "multiget response without calendar data for " + obj.Path}
			}
			raw, err := encodeCalendar(obj.Data)
			if err != nil {
				return nil, &DavError{Reason: fmt.Sprintf("re-encode %s: %v", obj.Path, err)}
			}
			listing.Changed = append(listing.Changed, Resource{
				Name: objectName(obj.Path),
				ETag: unquoteETag(obj.ETag),
				Raw:  raw,
			})
		}
	}

	return listing, nil
}

func (c *Client) getResource(ctx context.Context, m member) (*Resource, error) {
	obj, err := c.dav.GetCalendarObject(ctx, c.resolve(m.href).Path)
	if err != nil {
		return nil, err
	}
	etag := unquoteETag(obj.ETag)
	if etag == "" {
		etag = m.etag
	}
	if etag == "" {
		return nil, &DavError{Reason: "GET response without ETag for " + m.href}
	}
	if obj.Data == nil {
		return nil, &DavError{Reason: "GET response without calendar data for " + m.href}
	}
	raw, err := encodeCalendar(obj.Data)
	if err != nil {
		return nil, &DavError{Reason: fmt.Sprintf("re-encode %s: %v", m.href, err)}
	}
	return &Resource{Name: m.name, ETag: etag, Raw: raw}, nil
}

// PutResource uploads one calendar object and returns the new ETag. Some
// servers omit the ETag on PUT; callers treat an empty result as "unknown".
func (c *Client) PutResource(ctx context.Context, objHref string, cal *ical.Calendar) (string, error) {
	obj, err := c.dav.PutCalendarObject(ctx, c.resolve(objHref).Path, cal)
	if err != nil {
		return "", err
	}
	return unquoteETag(obj.ETag), nil
}

// DeleteResource deletes one resource. A 404 counts as success: the resource
// is already gone.
func (c *Client) DeleteResource(ctx context.Context, objHref string) error {
	target := c.resolve(objHref)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target.String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &HTTPError{Method: http.MethodDelete, URL: target.String(), Status: resp.StatusCode}
}

// ObjectHref returns the full href of a named resource inside a collection.
func ObjectHref(colHref, object string) string {
	return joinObject(colHref, object)
}

func encodeCalendar(cal *ical.Calendar) (string, error) {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", err
	}
	return buf.String(), nil
}
