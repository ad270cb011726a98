// Package vtodo maps between local tasks and iCalendar VTODO components.
package vtodo

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"

	"github.com/tazhate/tasksync/internal/domain"
)

const prodID = "-//tasksync//NONSGML tasksync//EN"

const dateOnlyLayout = "20060102"

// Codec converts between domain tasks and VTODO text. The location decides
// what "local midnight" means for date-only due dates.
type Codec struct {
	loc *time.Location
}

func NewCodec(loc *time.Location) *Codec {
	if loc == nil {
		loc = time.Local
	}
	return &Codec{loc: loc}
}

// RemoteTask is one decoded VTODO component.
type RemoteTask struct {
	comp *ical.Component
}

// Decode parses calendar text and returns its single VTODO. Zero or more
// than one VTODO in the resource is an error; multi-task resources are not
// merged.
func (c *Codec) Decode(raw string) (*RemoteTask, error) {
	cal, err := ical.NewDecoder(strings.NewReader(raw)).Decode()
	if err != nil {
		return nil, fmt.Errorf("parse calendar: %w", err)
	}
	var todo *ical.Component
	count := 0
	for _, child := range cal.Children {
		if child.Name == ical.CompToDo {
			todo = child
			count++
		}
	}
	if count != 1 {
		return nil, fmt.Errorf("expected exactly one VTODO, got %d", count)
	}
	return &RemoteTask{comp: todo}, nil
}

func (r *RemoteTask) text(name string) string {
	s, err := r.comp.Props.Text(name)
	if err != nil {
		return ""
	}
	return s
}

func (r *RemoteTask) UID() string         { return r.text(ical.PropUID) }
func (r *RemoteTask) Summary() string     { return r.text(ical.PropSummary) }
func (r *RemoteTask) Description() string { return r.text(ical.PropDescription) }
func (r *RemoteTask) Status() string      { return r.text(ical.PropStatus) }

// Priority returns the RFC 5545 priority, 0 when absent or unreadable.
func (r *RemoteTask) Priority() int {
	n, err := strconv.Atoi(strings.TrimSpace(r.text(ical.PropPriority)))
	if err != nil {
		return 0
	}
	return n
}

func (r *RemoteTask) CompletedAt() *time.Time {
	prop := r.comp.Props.Get(ical.PropCompleted)
	if prop == nil {
		return nil
	}
	t, err := prop.DateTime(time.UTC)
	if err != nil {
		log.Printf("parse COMPLETED %q: %v", prop.Value, err)
		return nil
	}
	return &t
}

// Due returns the due instant and whether it carries a time of day. Date-only
// values resolve to local midnight in loc.
func (r *RemoteTask) Due(loc *time.Location) (due time.Time, hasTime bool, ok bool) {
	prop := r.comp.Props.Get(ical.PropDue)
	if prop == nil {
		return time.Time{}, false, false
	}
	if prop.Params.Get(ical.ParamValue) == string(ical.ValueDate) {
		day, err := time.ParseInLocation(dateOnlyLayout, prop.Value, loc)
		if err != nil {
			log.Printf("parse DUE %q: %v", prop.Value, err)
			return time.Time{}, false, false
		}
		return day, false, true
	}
	t, err := prop.DateTime(loc)
	if err != nil {
		log.Printf("parse DUE %q: %v", prop.Value, err)
		return time.Time{}, false, false
	}
	return t, true, true
}

// RRule returns the raw recurrence rule value, without an RRULE: prefix.
func (r *RemoteTask) RRule() string {
	prop := r.comp.Props.Get(ical.PropRecurrenceRule)
	if prop == nil {
		return ""
	}
	return prop.Value
}

// ApplyToLocal overwrites the task's synced fields from the remote state.
// The task's identity and bookkeeping fields are left alone.
func (c *Codec) ApplyToLocal(task *domain.Task, remote *RemoteTask) {
	repeatAfter := task.RepeatAfterCompletion()

	task.Title = remote.Summary()
	task.Notes = remote.Description()

	if completed := remote.CompletedAt(); completed != nil {
		task.CompletedAt = completed
	} else if remote.Status() == "COMPLETED" {
		// no COMPLETED stamp: keep the one we have, repeated pulls must
		// not shift the completion time
		if task.CompletedAt == nil {
			now := time.Now().UTC()
			task.CompletedAt = &now
		}
	} else {
		task.CompletedAt = nil
	}

	if due, hasTime, ok := remote.Due(c.loc); ok {
		task.DueDate = &due
		task.HasDueTime = hasTime
	} else {
		task.DueDate = nil
		task.HasDueTime = false
	}

	switch p := remote.Priority(); {
	case p == 0:
		task.Priority = domain.PriorityNone
	case p == 5:
		task.Priority = domain.PriorityMedium
	case p < 5:
		task.Priority = domain.PriorityHigh
	default:
		task.Priority = domain.PriorityLow
	}

	if rule := remote.RRule(); rule == "" {
		task.Recurrence = ""
	} else {
		opt, err := rrule.StrToROption(rule)
		if err != nil {
			log.Printf("parse RRULE %q: %v", rule, err)
		} else {
			if opt.Interval < 1 {
				opt.Interval = 1
			}
			rec := "RRULE:" + opt.String()
			if repeatAfter {
				rec += domain.RepeatAfterCompletionSuffix
			}
			task.Recurrence = rec
		}
	}
}

// EncodeFromLocal builds the VTODO for a local task, reusing the cached
// VTODO from its mapping row as the base so properties other clients set
// survive the round trip. Mints and records the remote UID on first push.
// Returns the wrapped calendar plus its serialized form.
func (c *Codec) EncodeFromLocal(link *domain.CaldavTask, task *domain.Task) (*ical.Calendar, string, error) {
	comp := ical.NewComponent(ical.CompToDo)
	if link.VTodo != "" {
		if prev, err := c.Decode(link.VTodo); err != nil {
			log.Printf("reuse cached VTODO for task %d: %v", task.ID, err)
		} else {
			comp = prev.comp
		}
	}

	if link.RemoteID == "" {
		remote := RemoteTask{comp: comp}
		if uid := remote.UID(); uid != "" {
			link.RemoteID = uid
		} else {
			link.RemoteID = domain.NewUUID()
		}
	}
	comp.Props.SetText(ical.PropUID, link.RemoteID)

	now := time.Now().UTC()
	comp.Props.SetDateTime(ical.PropCreated, task.CreatedAt.UTC())
	comp.Props.SetDateTime(ical.PropLastModified, task.ModifiedAt.UTC())
	comp.Props.SetDateTime(ical.PropDateTimeStamp, now)

	setOrDelText(comp, ical.PropSummary, task.Title)
	setOrDelText(comp, ical.PropDescription, task.Notes)

	if task.DueDate == nil {
		comp.Props.Del(ical.PropDue)
	} else if task.HasDueTime {
		comp.Props.SetDateTime(ical.PropDue, task.DueDate.UTC())
	} else {
		comp.Props.SetDate(ical.PropDue, task.DueDate.In(c.loc))
	}

	if task.IsCompleted() {
		comp.Props.SetDateTime(ical.PropCompleted, task.CompletedAt.UTC())
		comp.Props.SetText(ical.PropStatus, "COMPLETED")
		comp.Props.SetText(ical.PropPercentComplete, "100")
	} else {
		comp.Props.Del(ical.PropCompleted)
		comp.Props.Del(ical.PropStatus)
		comp.Props.Del(ical.PropPercentComplete)
	}

	existing := (&RemoteTask{comp: comp}).Priority()
	priority := 0
	switch task.Priority {
	case domain.PriorityNone:
		priority = 0
	case domain.PriorityMedium:
		priority = 5
	case domain.PriorityHigh:
		if existing < 5 && existing >= 1 {
			priority = existing
		} else {
			priority = 1
		}
	default:
		if existing > 5 && existing <= 9 {
			priority = existing
		} else {
			priority = 9
		}
	}
	if priority == 0 {
		comp.Props.Del(ical.PropPriority)
	} else {
		comp.Props.SetText(ical.PropPriority, strconv.Itoa(priority))
	}

	if rule := task.RecurrenceRule(); rule == "" {
		comp.Props.Del(ical.PropRecurrenceRule)
	} else if opt, err := rrule.StrToROption(rule); err != nil {
		log.Printf("encode RRULE %q: %v", rule, err)
	} else {
		comp.Props.SetText(ical.PropRecurrenceRule, opt.String())
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, prodID)
	cal.Children = append(cal.Children, comp)

	raw, err := Encode(cal)
	if err != nil {
		return nil, "", err
	}
	return cal, raw, nil
}

// Encode serializes a calendar to its wire form.
func Encode(cal *ical.Calendar) (string, error) {
	var sb strings.Builder
	if err := ical.NewEncoder(&sb).Encode(cal); err != nil {
		return "", fmt.Errorf("encode calendar: %w", err)
	}
	return sb.String(), nil
}

func setOrDelText(comp *ical.Component, name, value string) {
	if value == "" {
		comp.Props.Del(name)
	} else {
		comp.Props.SetText(name, value)
	}
}
