package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/tazhate/tasksync/internal/domain"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustAccount(t *testing.T, s *Storage) *domain.Account {
	t.Helper()
	a := &domain.Account{URL: "https://dav.example.com/", Username: "alice", Password: "secret", Name: "personal"}
	if err := s.CreateAccount(a); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return a
}

func mustCalendar(t *testing.T, s *Storage, account *domain.Account, url string) *domain.Calendar {
	t.Helper()
	c := &domain.Calendar{AccountUUID: account.UUID, URL: url, Name: "Work"}
	if err := s.CreateCalendar(c); err != nil {
		t.Fatalf("CreateCalendar: %v", err)
	}
	return c
}

func mustLink(t *testing.T, s *Storage, cal *domain.Calendar, taskID int64, object string) *domain.CaldavTask {
	t.Helper()
	l := &domain.CaldavTask{TaskID: taskID, CalendarUUID: cal.UUID, Object: object, LastSync: time.Now()}
	if err := s.CreateLink(l); err != nil {
		t.Fatalf("CreateLink: %v", err)
	}
	return l
}

func TestAccountRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	a := mustAccount(t, s)

	if a.UUID == "" {
		t.Fatal("UUID not minted")
	}
	got, err := s.GetAccount(a.UUID)
	if err != nil || got == nil {
		t.Fatalf("GetAccount: %v, %v", got, err)
	}
	if got.Username != "alice" || got.URL != "https://dav.example.com/" {
		t.Errorf("got %+v", got)
	}

	if err := s.UpdateAccountError(a.UUID, "boom"); err != nil {
		t.Fatalf("UpdateAccountError: %v", err)
	}
	got, _ = s.GetAccount(a.UUID)
	if got.Error != "boom" {
		t.Errorf("error = %q, want boom", got.Error)
	}

	if missing, err := s.GetAccount("nope"); err != nil || missing != nil {
		t.Errorf("missing account: %v, %v", missing, err)
	}
}

func TestFindDeletedCalendars(t *testing.T) {
	s := newTestStorage(t)
	a := mustAccount(t, s)
	keep := mustCalendar(t, s, a, "/cal/keep/")
	drop := mustCalendar(t, s, a, "/cal/drop/")

	gone, err := s.FindDeletedCalendars(a.UUID, []string{"/cal/keep/"})
	if err != nil {
		t.Fatalf("FindDeletedCalendars: %v", err)
	}
	if len(gone) != 1 || gone[0].UUID != drop.UUID {
		t.Errorf("gone = %+v, want only %s", gone, drop.UUID)
	}

	if cal, _ := s.GetCalendarByURL(a.UUID, "/cal/keep/"); cal == nil || cal.UUID != keep.UUID {
		t.Errorf("GetCalendarByURL = %+v", cal)
	}
}

func TestDeleteAccountCascades(t *testing.T) {
	s := newTestStorage(t)
	a := mustAccount(t, s)
	cal := mustCalendar(t, s, a, "/cal/work/")

	task := &domain.Task{Title: "x"}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	mustLink(t, s, cal, task.ID, "x.ics")

	if err := s.DeleteAccount(a.UUID); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	if got, _ := s.GetAccount(a.UUID); got != nil {
		t.Error("account still present")
	}
	if got, _ := s.GetCalendar(cal.UUID); got != nil {
		t.Error("calendar still present")
	}
	if got, _ := s.GetLink(cal.UUID, "x.ics"); got != nil {
		t.Error("link still present")
	}
	// the local task itself survives the account removal
	if got, _ := s.GetTask(task.ID); got == nil {
		t.Error("task removed, should survive")
	}
}

func TestPushQueueFollowsEditOrigin(t *testing.T) {
	s := newTestStorage(t)
	a := mustAccount(t, s)
	cal := mustCalendar(t, s, a, "/cal/work/")

	task := &domain.Task{Title: "initial"}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	link := mustLink(t, s, cal, task.ID, "t.ics")

	pending, err := s.ListTasksToPush(cal.UUID)
	if err != nil {
		t.Fatalf("ListTasksToPush: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("fresh link already pending: %d", len(pending))
	}

	// A pulled remote write keeps modified_at aligned with last_sync.
	now := time.Now()
	task.Title = "from remote"
	task.ModifiedAt = now
	if err := s.SaveTaskFromRemote(task); err != nil {
		t.Fatalf("SaveTaskFromRemote: %v", err)
	}
	link.LastSync = now
	if err := s.UpdateLink(link); err != nil {
		t.Fatalf("UpdateLink: %v", err)
	}
	pending, _ = s.ListTasksToPush(cal.UUID)
	if len(pending) != 0 {
		t.Errorf("remote write queued a push: %d pending", len(pending))
	}

	// A local edit bumps modified_at past last_sync.
	task.Title = "from user"
	if err := s.SaveTaskFromLocalEdit(task); err != nil {
		t.Fatalf("SaveTaskFromLocalEdit: %v", err)
	}
	pending, _ = s.ListTasksToPush(cal.UUID)
	if len(pending) != 1 || pending[0].Title != "from user" {
		t.Errorf("pending = %+v, want the local edit", pending)
	}
}

func TestDeletedLinksLifecycle(t *testing.T) {
	s := newTestStorage(t)
	a := mustAccount(t, s)
	cal := mustCalendar(t, s, a, "/cal/work/")

	task := &domain.Task{Title: "doomed"}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	link := mustLink(t, s, cal, task.ID, "d.ics")

	if err := s.MarkLinkDeleted(task.ID); err != nil {
		t.Fatalf("MarkLinkDeleted: %v", err)
	}

	deleted, err := s.ListDeletedLinks(cal.UUID)
	if err != nil {
		t.Fatalf("ListDeletedLinks: %v", err)
	}
	if len(deleted) != 1 || deleted[0].ID != link.ID {
		t.Fatalf("deleted = %+v", deleted)
	}

	// pending-delete rows drop out of the etag map and the push queue
	etags, err := s.ObjectETags(cal.UUID)
	if err != nil {
		t.Fatalf("ObjectETags: %v", err)
	}
	if _, ok := etags["d.ics"]; ok {
		t.Error("pending-delete link still in etag map")
	}
	pending, _ := s.ListTasksToPush(cal.UUID)
	if len(pending) != 0 {
		t.Errorf("pending-delete link still queued for push: %d", len(pending))
	}

	if err := s.DeleteLink(link.ID); err != nil {
		t.Fatalf("DeleteLink: %v", err)
	}
	if got, _ := s.GetLink(cal.UUID, "d.ics"); got != nil {
		t.Error("link still present after delete")
	}
}

func TestDeleteObjects(t *testing.T) {
	s := newTestStorage(t)
	a := mustAccount(t, s)
	cal := mustCalendar(t, s, a, "/cal/work/")

	for i, object := range []string{"a.ics", "b.ics", "c.ics"} {
		task := &domain.Task{Title: object}
		if err := s.CreateTask(task); err != nil {
			t.Fatalf("CreateTask %d: %v", i, err)
		}
		mustLink(t, s, cal, task.ID, object)
	}

	if err := s.DeleteObjects(cal.UUID, []string{"a.ics", "c.ics"}); err != nil {
		t.Fatalf("DeleteObjects: %v", err)
	}

	links, err := s.ListLinksByCalendar(cal.UUID)
	if err != nil {
		t.Fatalf("ListLinksByCalendar: %v", err)
	}
	if len(links) != 1 || links[0].Object != "b.ics" {
		t.Errorf("remaining links = %+v, want only b.ics", links)
	}

	found, err := s.LinksForObjects(cal.UUID, []string{"b.ics", "z.ics"})
	if err != nil {
		t.Fatalf("LinksForObjects: %v", err)
	}
	if len(found) != 1 || found[0].Object != "b.ics" {
		t.Errorf("LinksForObjects = %+v", found)
	}
}

func TestSoftDeleteTask(t *testing.T) {
	s := newTestStorage(t)
	task := &domain.Task{Title: "bye"}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.SoftDeleteTask(task.ID); err != nil {
		t.Fatalf("SoftDeleteTask: %v", err)
	}
	got, err := s.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if !got.IsDeleted() {
		t.Error("task not soft-deleted")
	}
}
