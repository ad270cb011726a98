// Package sync reconciles local task state with remote CalDAV collections.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/emersion/go-ical"

	"github.com/tazhate/tasksync/internal/clients/caldav"
	"github.com/tazhate/tasksync/internal/domain"
	"github.com/tazhate/tasksync/internal/vtodo"
)

// Transport is the remote side of a sync pass, one instance per account.
type Transport interface {
	ListCalendars(ctx context.Context) ([]caldav.Collection, error)
	GetCollection(ctx context.Context, href string) (*caldav.Collection, error)
	QueryChangedResources(ctx context.Context, colHref string, known map[string]string) (*caldav.ResourceListing, error)
	PutResource(ctx context.Context, objHref string, cal *ical.Calendar) (string, error)
	DeleteResource(ctx context.Context, objHref string) error
}

// Codec translates between local tasks and VTODO resources.
type Codec interface {
	Decode(raw string) (*vtodo.RemoteTask, error)
	ApplyToLocal(task *domain.Task, remote *vtodo.RemoteTask)
	EncodeFromLocal(link *domain.CaldavTask, task *domain.Task) (*ical.Calendar, string, error)
}

// TaskStore is the external task table.
type TaskStore interface {
	CreateTask(t *domain.Task) error
	GetTask(id int64) (*domain.Task, error)
	SaveTaskFromRemote(t *domain.Task) error
	SoftDeleteTask(id int64) error
	ListTasksToPush(calendarUUID string) ([]*domain.Task, error)
}

// MappingStore holds the account/calendar/correlation bookkeeping.
type MappingStore interface {
	UpdateAccountError(uuid, message string) error

	GetCalendarByURL(accountUUID, url string) (*domain.Calendar, error)
	FindDeletedCalendars(accountUUID string, remoteURLs []string) ([]*domain.Calendar, error)
	CreateCalendar(c *domain.Calendar) error
	UpdateCalendar(c *domain.Calendar) error
	DeleteCalendar(uuid string) error

	CreateLink(l *domain.CaldavTask) error
	UpdateLink(l *domain.CaldavTask) error
	DeleteLink(id int64) error
	GetLinkByTask(taskID int64, calendarUUID string) (*domain.CaldavTask, error)
	LinksForObjects(calendarUUID string, objects []string) ([]*domain.CaldavTask, error)
	ListDeletedLinks(calendarUUID string) ([]*domain.CaldavTask, error)
	ListLinksByCalendar(calendarUUID string) ([]*domain.CaldavTask, error)
	ObjectETags(calendarUUID string) (map[string]string, error)
	DeleteObjects(calendarUUID string, objects []string) error
}

// Notifier receives fire-and-forget refresh signals.
type Notifier interface {
	Refresh()
	RefreshList()
}

// Entitlement gates whether an account may sync at all.
type Entitlement interface {
	CanSync(account *domain.Account) bool
}

// Reporter receives protocol errors worth flagging upstream. Network noise
// and server-side 5xx responses never reach it.
type Reporter interface {
	Report(err error)
}

type allowAll struct{}

func (allowAll) CanSync(*domain.Account) bool { return true }

type nopReporter struct{}

func (nopReporter) Report(error) {}

// Reconciler runs the two-way sync algorithm for one account at a time.
// Concurrent use for distinct accounts is safe: all state lives in the
// stores, scoped by account UUID.
type Reconciler struct {
	tasks       TaskStore
	store       MappingStore
	codec       Codec
	notifier    Notifier
	entitlement Entitlement
	reporter    Reporter
}

func NewReconciler(tasks TaskStore, store MappingStore, codec Codec, notifier Notifier) *Reconciler {
	return &Reconciler{
		tasks:       tasks,
		store:       store,
		codec:       codec,
		notifier:    notifier,
		entitlement: allowAll{},
		reporter:    nopReporter{},
	}
}

func (r *Reconciler) SetEntitlement(e Entitlement) {
	if e != nil {
		r.entitlement = e
	}
}

func (r *Reconciler) SetReporter(rep Reporter) {
	if rep != nil {
		r.reporter = rep
	}
}

// SyncAccount runs one full pass for the account. Every failure ends up in
// the account's error field; the error field is cleared only when every
// calendar completed. Never panics the caller: all failure classes reduce to
// a recorded error.
func (r *Reconciler) SyncAccount(ctx context.Context, account *domain.Account, transport Transport) error {
	if !r.entitlement.CanSync(account) {
		return r.fail(account, errors.New("account is not authorized to sync"))
	}
	if account.Password == "" {
		return r.fail(account, errors.New("missing password"))
	}

	if err := r.syncAccount(ctx, account, transport); err != nil {
		r.maybeReport(err)
		return r.fail(account, err)
	}

	account.Error = ""
	if err := r.store.UpdateAccountError(account.UUID, ""); err != nil {
		return fmt.Errorf("clear account error: %w", err)
	}
	return nil
}

func (r *Reconciler) fail(account *domain.Account, err error) error {
	account.Error = err.Error()
	if uerr := r.store.UpdateAccountError(account.UUID, err.Error()); uerr != nil {
		log.Printf("record error for account %s: %v", account.UUID, uerr)
	}
	return err
}

// maybeReport forwards protocol errors to the reporter. Precondition and
// network failures are expected operational noise; 5xx means the server is
// having a bad day and a 402 means the account ran out of quota, neither is
// actionable on our side.
func (r *Reconciler) maybeReport(err error) {
	if caldav.IsNetworkError(err) {
		return
	}
	var davErr *caldav.DavError
	if errors.As(err, &davErr) {
		r.reporter.Report(err)
		return
	}
	if status := caldav.StatusOf(err); status != 0 && status != http.StatusPaymentRequired && status < 500 {
		r.reporter.Report(err)
	}
}

func (r *Reconciler) syncAccount(ctx context.Context, account *domain.Account, transport Transport) error {
	collections, err := transport.ListCalendars(ctx)
	if err != nil {
		return fmt.Errorf("list calendars: %w", err)
	}

	urls := make([]string, 0, len(collections))
	for _, col := range collections {
		urls = append(urls, col.Href)
	}
	if err := r.pruneRemovedCalendars(account, urls); err != nil {
		return err
	}

	var firstErr error
	for _, col := range collections {
		if err := ctx.Err(); err != nil {
			return err
		}
		cal, err := r.upsertCalendar(account, col)
		if err != nil {
			return err
		}
		if err := r.syncCalendar(ctx, transport, cal, col); err != nil {
			log.Printf("sync calendar %s (%s): %v", cal.Name, cal.UUID, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("calendar %s: %w", cal.Name, err)
			}
		}
	}
	return firstErr
}

// pruneRemovedCalendars drops local calendars whose URL disappeared from the
// remote listing, soft-deleting their tasks.
func (r *Reconciler) pruneRemovedCalendars(account *domain.Account, remoteURLs []string) error {
	gone, err := r.store.FindDeletedCalendars(account.UUID, remoteURLs)
	if err != nil {
		return fmt.Errorf("find removed calendars: %w", err)
	}
	for _, cal := range gone {
		links, err := r.store.ListLinksByCalendar(cal.UUID)
		if err != nil {
			return err
		}
		for _, link := range links {
			if err := r.tasks.SoftDeleteTask(link.TaskID); err != nil {
				return err
			}
		}
		if err := r.store.DeleteCalendar(cal.UUID); err != nil {
			return err
		}
		log.Printf("removed calendar %s (%s), gone from server", cal.Name, cal.UUID)
		r.notifier.RefreshList()
	}
	return nil
}

func (r *Reconciler) upsertCalendar(account *domain.Account, col caldav.Collection) (*domain.Calendar, error) {
	cal, err := r.store.GetCalendarByURL(account.UUID, col.Href)
	if err != nil {
		return nil, err
	}
	if cal == nil {
		cal = &domain.Calendar{
			UUID:        domain.NewUUID(),
			AccountUUID: account.UUID,
			URL:         col.Href,
			Name:        col.Name,
			Color:       col.Color,
		}
		if err := r.store.CreateCalendar(cal); err != nil {
			return nil, err
		}
		r.notifier.RefreshList()
		return cal, nil
	}
	if cal.Name != col.Name || cal.Color != col.Color {
		cal.Name = col.Name
		cal.Color = col.Color
		if err := r.store.UpdateCalendar(cal); err != nil {
			return nil, err
		}
		r.notifier.RefreshList()
	}
	return cal, nil
}

// syncCalendar is one calendar's pass: push local changes, short-circuit on
// an unchanged ctag, pull remote changes, reconcile deletions, and only then
// advance the stored ctag. A failure anywhere leaves the ctag where it was
// so the next pass re-fetches the same change set.
func (r *Reconciler) syncCalendar(ctx context.Context, transport Transport, cal *domain.Calendar, col caldav.Collection) error {
	defer r.notifier.Refresh()

	if err := r.pushDeletes(ctx, transport, cal); err != nil {
		return err
	}
	if err := r.pushEdits(ctx, transport, cal); err != nil {
		return err
	}

	fresh, err := transport.GetCollection(ctx, cal.URL)
	if err != nil {
		return fmt.Errorf("get collection: %w", err)
	}
	remoteCtag := fresh.CTag
	if remoteCtag != "" && remoteCtag == cal.CTag {
		log.Printf("calendar %s up to date (ctag %s)", cal.Name, remoteCtag)
		return nil
	}

	known, err := r.store.ObjectETags(cal.UUID)
	if err != nil {
		return err
	}
	listing, err := transport.QueryChangedResources(ctx, cal.URL, known)
	if err != nil {
		return fmt.Errorf("query changed resources: %w", err)
	}

	names := make([]string, 0, len(listing.Changed))
	for _, res := range listing.Changed {
		names = append(names, res.Name)
	}
	links, err := r.store.LinksForObjects(cal.UUID, names)
	if err != nil {
		return err
	}
	byObject := make(map[string]*domain.CaldavTask, len(links))
	for _, link := range links {
		byObject[link.Object] = link
	}

	for _, res := range listing.Changed {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.applyRemote(cal, res, byObject[res.Name]); err != nil {
			log.Printf("skip resource %s in %s: %v", res.Name, cal.Name, err)
		}
	}

	if err := r.reconcileDeletions(cal, listing.Members); err != nil {
		return err
	}

	cal.CTag = remoteCtag
	if err := r.store.UpdateCalendar(cal); err != nil {
		return fmt.Errorf("persist ctag: %w", err)
	}
	return nil
}

// pushDeletes sends pending local deletions. Per-resource failures are
// logged and retried next pass; the correlation row stays until the remote
// delete went through.
func (r *Reconciler) pushDeletes(ctx context.Context, transport Transport, cal *domain.Calendar) error {
	links, err := r.store.ListDeletedLinks(cal.UUID)
	if err != nil {
		return err
	}
	for _, link := range links {
		if err := ctx.Err(); err != nil {
			return err
		}
		if link.Object != "" {
			if err := transport.DeleteResource(ctx, caldav.ObjectHref(cal.URL, link.Object)); err != nil {
				log.Printf("delete %s from %s: %v", link.Object, cal.Name, err)
				continue
			}
		}
		if err := r.store.DeleteLink(link.ID); err != nil {
			return err
		}
	}
	return nil
}

// pushEdits uploads every local task modified since its last push. One bad
// task does not block the rest.
func (r *Reconciler) pushEdits(ctx context.Context, transport Transport, cal *domain.Calendar) error {
	tasks, err := r.tasks.ListTasksToPush(cal.UUID)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		link, err := r.store.GetLinkByTask(task.ID, cal.UUID)
		if err != nil {
			return err
		}
		if link == nil {
			continue
		}

		if task.IsDeleted() {
			if link.Object != "" {
				if err := transport.DeleteResource(ctx, caldav.ObjectHref(cal.URL, link.Object)); err != nil {
					log.Printf("delete %s from %s: %v", link.Object, cal.Name, err)
					continue
				}
			}
			if err := r.store.DeleteLink(link.ID); err != nil {
				return err
			}
			continue
		}

		if link.Object == "" {
			if link.RemoteID == "" {
				link.RemoteID = domain.NewUUID()
			}
			link.Object = link.RemoteID + ".ics"
		}

		calObj, raw, err := r.codec.EncodeFromLocal(link, task)
		if err != nil {
			log.Printf("encode task %d: %v", task.ID, err)
			continue
		}
		etag, err := transport.PutResource(ctx, caldav.ObjectHref(cal.URL, link.Object), calObj)
		if err != nil {
			log.Printf("push task %d to %s: %v", task.ID, cal.Name, err)
			continue
		}

		// Pin last-sync to the stamp that was pushed, not the wall clock:
		// an edit landing while the PUT is in flight stays in the queue.
		link.ETag = etag
		link.VTodo = raw
		link.LastSync = task.ModifiedAt
		if err := r.store.UpdateLink(link); err != nil {
			return err
		}
	}
	return nil
}

// applyRemote writes one pulled resource into the local store. The write
// goes through SaveTaskFromRemote with the link's last-sync stamp matching
// the task's modified stamp, so the pull itself never queues a re-push.
func (r *Reconciler) applyRemote(cal *domain.Calendar, res caldav.Resource, link *domain.CaldavTask) error {
	remote, err := r.codec.Decode(res.Raw)
	if err != nil {
		return err
	}

	now := time.Now()
	if link == nil {
		task := &domain.Task{CreatedAt: now}
		r.codec.ApplyToLocal(task, remote)
		task.ModifiedAt = now
		if err := r.tasks.CreateTask(task); err != nil {
			return err
		}
		return r.store.CreateLink(&domain.CaldavTask{
			TaskID:       task.ID,
			CalendarUUID: cal.UUID,
			Object:       res.Name,
			RemoteID:     remote.UID(),
			ETag:         res.ETag,
			VTodo:        res.Raw,
			LastSync:     now,
		})
	}

	task, err := r.tasks.GetTask(link.TaskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("correlation row %d points at missing task %d", link.ID, link.TaskID)
	}
	r.codec.ApplyToLocal(task, remote)
	task.ModifiedAt = now
	if err := r.tasks.SaveTaskFromRemote(task); err != nil {
		return err
	}

	if uid := remote.UID(); uid != "" {
		link.RemoteID = uid
	}
	link.ETag = res.ETag
	link.VTodo = res.Raw
	link.LastSync = now
	return r.store.UpdateLink(link)
}

// reconcileDeletions removes local rows for resources no longer present in
// the remote membership listing.
func (r *Reconciler) reconcileDeletions(cal *domain.Calendar, members []string) error {
	remote := make(map[string]bool, len(members))
	for _, name := range members {
		remote[name] = true
	}

	links, err := r.store.ListLinksByCalendar(cal.UUID)
	if err != nil {
		return err
	}
	var gone []string
	for _, link := range links {
		if link.DeletedAt != nil || link.Object == "" {
			continue
		}
		if remote[link.Object] {
			continue
		}
		if err := r.tasks.SoftDeleteTask(link.TaskID); err != nil {
			return err
		}
		gone = append(gone, link.Object)
	}
	if len(gone) == 0 {
		return nil
	}
	return r.store.DeleteObjects(cal.UUID, gone)
}
