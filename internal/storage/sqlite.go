package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tazhate/tasksync/internal/domain"

	_ "github.com/mattn/go-sqlite3"
)

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			due_date DATETIME,
			has_due_time INTEGER NOT NULL DEFAULT 0,
			completed_at DATETIME,
			priority INTEGER NOT NULL DEFAULT 0,
			recurrence TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			modified_at DATETIME NOT NULL,
			deleted_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_modified ON tasks(modified_at)`,
		`CREATE TABLE IF NOT EXISTS caldav_accounts (
			uuid TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			username TEXT NOT NULL,
			password TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			color INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS caldav_calendars (
			uuid TEXT PRIMARY KEY,
			account_uuid TEXT NOT NULL,
			url TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			color INTEGER NOT NULL DEFAULT 0,
			ctag TEXT NOT NULL DEFAULT '',
			FOREIGN KEY (account_uuid) REFERENCES caldav_accounts(uuid)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_calendars_account_url ON caldav_calendars(account_uuid, url)`,
		`CREATE TABLE IF NOT EXISTS caldav_tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id INTEGER NOT NULL,
			calendar_uuid TEXT NOT NULL,
			object TEXT NOT NULL,
			remote_id TEXT NOT NULL DEFAULT '',
			etag TEXT NOT NULL DEFAULT '',
			vtodo TEXT NOT NULL DEFAULT '',
			last_sync DATETIME,
			deleted_at DATETIME,
			FOREIGN KEY (task_id) REFERENCES tasks(id),
			FOREIGN KEY (calendar_uuid) REFERENCES caldav_calendars(uuid)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_caldav_tasks_object ON caldav_tasks(calendar_uuid, object)`,
		`CREATE INDEX IF NOT EXISTS idx_caldav_tasks_task ON caldav_tasks(task_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// Ignore "duplicate column" errors for ALTER TABLE
			if !strings.Contains(err.Error(), "duplicate column") {
				return fmt.Errorf("exec migration: %w", err)
			}
		}
	}
	return nil
}

// === Accounts ===

func (s *Storage) CreateAccount(a *domain.Account) error {
	if a.UUID == "" {
		a.UUID = domain.NewUUID()
	}
	a.CreatedAt = time.Now()
	_, err := s.db.Exec(
		`INSERT INTO caldav_accounts (uuid, url, username, password, name, error, color, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.UUID, a.URL, a.Username, a.Password, a.Name, a.Error, a.Color, a.CreatedAt,
	)
	return err
}

func (s *Storage) GetAccount(uuid string) (*domain.Account, error) {
	a := &domain.Account{}
	err := s.db.QueryRow(
		`SELECT uuid, url, username, password, name, error, color, created_at
		 FROM caldav_accounts WHERE uuid = ?`,
		uuid,
	).Scan(&a.UUID, &a.URL, &a.Username, &a.Password, &a.Name, &a.Error, &a.Color, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (s *Storage) ListAccounts() ([]*domain.Account, error) {
	rows, err := s.db.Query(
		`SELECT uuid, url, username, password, name, error, color, created_at
		 FROM caldav_accounts ORDER BY created_at`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*domain.Account
	for rows.Next() {
		a := &domain.Account{}
		if err := rows.Scan(&a.UUID, &a.URL, &a.Username, &a.Password, &a.Name, &a.Error, &a.Color, &a.CreatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *Storage) UpdateAccount(a *domain.Account) error {
	_, err := s.db.Exec(
		`UPDATE caldav_accounts SET url = ?, username = ?, password = ?, name = ?, error = ?, color = ? WHERE uuid = ?`,
		a.URL, a.Username, a.Password, a.Name, a.Error, a.Color, a.UUID,
	)
	return err
}

func (s *Storage) UpdateAccountError(uuid, message string) error {
	_, err := s.db.Exec(`UPDATE caldav_accounts SET error = ? WHERE uuid = ?`, message, uuid)
	return err
}

func (s *Storage) DeleteAccount(uuid string) error {
	_, err := s.db.Exec(
		`DELETE FROM caldav_tasks WHERE calendar_uuid IN
		 (SELECT uuid FROM caldav_calendars WHERE account_uuid = ?)`,
		uuid,
	)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`DELETE FROM caldav_calendars WHERE account_uuid = ?`, uuid); err != nil {
		return err
	}
	_, err = s.db.Exec(`DELETE FROM caldav_accounts WHERE uuid = ?`, uuid)
	return err
}

// === Calendars ===

func (s *Storage) CreateCalendar(c *domain.Calendar) error {
	if c.UUID == "" {
		c.UUID = domain.NewUUID()
	}
	_, err := s.db.Exec(
		`INSERT INTO caldav_calendars (uuid, account_uuid, url, name, color, ctag)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.UUID, c.AccountUUID, c.URL, c.Name, c.Color, c.CTag,
	)
	return err
}

func (s *Storage) GetCalendar(uuid string) (*domain.Calendar, error) {
	c := &domain.Calendar{}
	err := s.db.QueryRow(
		`SELECT uuid, account_uuid, url, name, color, ctag FROM caldav_calendars WHERE uuid = ?`,
		uuid,
	).Scan(&c.UUID, &c.AccountUUID, &c.URL, &c.Name, &c.Color, &c.CTag)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (s *Storage) GetCalendarByURL(accountUUID, url string) (*domain.Calendar, error) {
	c := &domain.Calendar{}
	err := s.db.QueryRow(
		`SELECT uuid, account_uuid, url, name, color, ctag
		 FROM caldav_calendars WHERE account_uuid = ? AND url = ?`,
		accountUUID, url,
	).Scan(&c.UUID, &c.AccountUUID, &c.URL, &c.Name, &c.Color, &c.CTag)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (s *Storage) ListCalendarsByAccount(accountUUID string) ([]*domain.Calendar, error) {
	rows, err := s.db.Query(
		`SELECT uuid, account_uuid, url, name, color, ctag
		 FROM caldav_calendars WHERE account_uuid = ? ORDER BY name`,
		accountUUID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCalendars(rows)
}

// FindDeletedCalendars returns local calendars for the account whose URL is
// not in the remote listing anymore.
func (s *Storage) FindDeletedCalendars(accountUUID string, remoteURLs []string) ([]*domain.Calendar, error) {
	query := `SELECT uuid, account_uuid, url, name, color, ctag
		 FROM caldav_calendars WHERE account_uuid = ?`
	args := []interface{}{accountUUID}
	if len(remoteURLs) > 0 {
		query += ` AND url NOT IN (?` + strings.Repeat(",?", len(remoteURLs)-1) + `)`
		for _, u := range remoteURLs {
			args = append(args, u)
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCalendars(rows)
}

func scanCalendars(rows *sql.Rows) ([]*domain.Calendar, error) {
	var calendars []*domain.Calendar
	for rows.Next() {
		c := &domain.Calendar{}
		if err := rows.Scan(&c.UUID, &c.AccountUUID, &c.URL, &c.Name, &c.Color, &c.CTag); err != nil {
			return nil, err
		}
		calendars = append(calendars, c)
	}
	return calendars, rows.Err()
}

func (s *Storage) UpdateCalendar(c *domain.Calendar) error {
	_, err := s.db.Exec(
		`UPDATE caldav_calendars SET url = ?, name = ?, color = ?, ctag = ? WHERE uuid = ?`,
		c.URL, c.Name, c.Color, c.CTag, c.UUID,
	)
	return err
}

// DeleteCalendar removes the calendar row and all its correlation rows.
// Soft-deleting the linked tasks is the caller's job.
func (s *Storage) DeleteCalendar(uuid string) error {
	if _, err := s.db.Exec(`DELETE FROM caldav_tasks WHERE calendar_uuid = ?`, uuid); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM caldav_calendars WHERE uuid = ?`, uuid)
	return err
}

// === Tasks ===

const taskColumns = `id, title, notes, due_date, has_due_time, completed_at, priority, recurrence, created_at, modified_at, deleted_at`

func (s *Storage) scanTask(row interface {
	Scan(dest ...interface{}) error
}) (*domain.Task, error) {
	t := &domain.Task{}
	err := row.Scan(&t.ID, &t.Title, &t.Notes, &t.DueDate, &t.HasDueTime, &t.CompletedAt,
		&t.Priority, &t.Recurrence, &t.CreatedAt, &t.ModifiedAt, &t.DeletedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Storage) CreateTask(t *domain.Task) error {
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.ModifiedAt.IsZero() {
		t.ModifiedAt = now
	}
	res, err := s.db.Exec(
		`INSERT INTO tasks (title, notes, due_date, has_due_time, completed_at, priority, recurrence, created_at, modified_at, deleted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Title, t.Notes, t.DueDate, t.HasDueTime, t.CompletedAt, t.Priority, t.Recurrence,
		t.CreatedAt, t.ModifiedAt, t.DeletedAt,
	)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	t.ID = id
	return nil
}

func (s *Storage) GetTask(id int64) (*domain.Task, error) {
	t, err := s.scanTask(s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// SaveTaskFromLocalEdit persists a user-visible edit and bumps the modified
// timestamp, which makes the task eligible for the next push.
func (s *Storage) SaveTaskFromLocalEdit(t *domain.Task) error {
	t.ModifiedAt = time.Now()
	return s.saveTask(t)
}

// SaveTaskFromRemote persists a change pulled from the server. The modified
// timestamp is written exactly as set by the caller so that applying a pull
// does not look like a fresh local edit and get pushed right back.
func (s *Storage) SaveTaskFromRemote(t *domain.Task) error {
	return s.saveTask(t)
}

func (s *Storage) saveTask(t *domain.Task) error {
	_, err := s.db.Exec(
		`UPDATE tasks SET title = ?, notes = ?, due_date = ?, has_due_time = ?, completed_at = ?,
		 priority = ?, recurrence = ?, created_at = ?, modified_at = ?, deleted_at = ? WHERE id = ?`,
		t.Title, t.Notes, t.DueDate, t.HasDueTime, t.CompletedAt, t.Priority, t.Recurrence,
		t.CreatedAt, t.ModifiedAt, t.DeletedAt, t.ID,
	)
	return err
}

func (s *Storage) SoftDeleteTask(id int64) error {
	now := time.Now()
	_, err := s.db.Exec(`UPDATE tasks SET deleted_at = ?, modified_at = ? WHERE id = ?`, now, now, id)
	return err
}

// ListTasksToPush returns tasks in the calendar modified since their last
// push, including soft-deleted ones (those turn into remote deletes).
func (s *Storage) ListTasksToPush(calendarUUID string) ([]*domain.Task, error) {
	rows, err := s.db.Query(
		`SELECT t.id, t.title, t.notes, t.due_date, t.has_due_time, t.completed_at, t.priority,
		        t.recurrence, t.created_at, t.modified_at, t.deleted_at
		 FROM tasks t
		 JOIN caldav_tasks ct ON ct.task_id = t.id
		 WHERE ct.calendar_uuid = ?
		   AND ct.deleted_at IS NULL
		   AND (ct.last_sync IS NULL OR t.modified_at > ct.last_sync)
		 ORDER BY t.id`,
		calendarUUID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := s.scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// === CalDAV correlation rows ===

const linkColumns = `id, task_id, calendar_uuid, object, remote_id, etag, vtodo, last_sync, deleted_at`

func (s *Storage) scanLink(row interface {
	Scan(dest ...interface{}) error
}) (*domain.CaldavTask, error) {
	l := &domain.CaldavTask{}
	var lastSync *time.Time
	err := row.Scan(&l.ID, &l.TaskID, &l.CalendarUUID, &l.Object, &l.RemoteID, &l.ETag, &l.VTodo,
		&lastSync, &l.DeletedAt)
	if err != nil {
		return nil, err
	}
	if lastSync != nil {
		l.LastSync = *lastSync
	}
	return l, nil
}

func (s *Storage) CreateLink(l *domain.CaldavTask) error {
	var lastSync *time.Time
	if !l.LastSync.IsZero() {
		lastSync = &l.LastSync
	}
	res, err := s.db.Exec(
		`INSERT INTO caldav_tasks (task_id, calendar_uuid, object, remote_id, etag, vtodo, last_sync, deleted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.TaskID, l.CalendarUUID, l.Object, l.RemoteID, l.ETag, l.VTodo, lastSync, l.DeletedAt,
	)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	l.ID = id
	return nil
}

func (s *Storage) UpdateLink(l *domain.CaldavTask) error {
	var lastSync *time.Time
	if !l.LastSync.IsZero() {
		lastSync = &l.LastSync
	}
	_, err := s.db.Exec(
		`UPDATE caldav_tasks SET object = ?, remote_id = ?, etag = ?, vtodo = ?, last_sync = ?, deleted_at = ? WHERE id = ?`,
		l.Object, l.RemoteID, l.ETag, l.VTodo, lastSync, l.DeletedAt, l.ID,
	)
	return err
}

func (s *Storage) DeleteLink(id int64) error {
	_, err := s.db.Exec(`DELETE FROM caldav_tasks WHERE id = ?`, id)
	return err
}

func (s *Storage) GetLink(calendarUUID, object string) (*domain.CaldavTask, error) {
	l, err := s.scanLink(s.db.QueryRow(
		`SELECT `+linkColumns+` FROM caldav_tasks WHERE calendar_uuid = ? AND object = ?`,
		calendarUUID, object,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return l, err
}

func (s *Storage) GetLinkByTask(taskID int64, calendarUUID string) (*domain.CaldavTask, error) {
	l, err := s.scanLink(s.db.QueryRow(
		`SELECT `+linkColumns+` FROM caldav_tasks WHERE task_id = ? AND calendar_uuid = ?`,
		taskID, calendarUUID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return l, err
}

// MarkLinkDeleted flags the correlation rows of a task as pending a remote
// delete; the next push turns them into DELETE requests.
func (s *Storage) MarkLinkDeleted(taskID int64) error {
	_, err := s.db.Exec(`UPDATE caldav_tasks SET deleted_at = ? WHERE task_id = ?`, time.Now(), taskID)
	return err
}

func (s *Storage) ListDeletedLinks(calendarUUID string) ([]*domain.CaldavTask, error) {
	return s.queryLinks(
		`SELECT `+linkColumns+` FROM caldav_tasks WHERE calendar_uuid = ? AND deleted_at IS NOT NULL`,
		calendarUUID,
	)
}

func (s *Storage) ListLinksByCalendar(calendarUUID string) ([]*domain.CaldavTask, error) {
	return s.queryLinks(
		`SELECT `+linkColumns+` FROM caldav_tasks WHERE calendar_uuid = ?`,
		calendarUUID,
	)
}

// LinksForObjects returns the correlation rows for the named resources.
func (s *Storage) LinksForObjects(calendarUUID string, objects []string) ([]*domain.CaldavTask, error) {
	if len(objects) == 0 {
		return nil, nil
	}
	query := `SELECT ` + linkColumns + ` FROM caldav_tasks WHERE calendar_uuid = ? AND object IN (?` +
		strings.Repeat(",?", len(objects)-1) + `)`
	args := []interface{}{calendarUUID}
	for _, o := range objects {
		args = append(args, o)
	}
	return s.queryLinks(query, args...)
}

func (s *Storage) DeleteObjects(calendarUUID string, objects []string) error {
	if len(objects) == 0 {
		return nil
	}
	query := `DELETE FROM caldav_tasks WHERE calendar_uuid = ? AND object IN (?` +
		strings.Repeat(",?", len(objects)-1) + `)`
	args := []interface{}{calendarUUID}
	for _, o := range objects {
		args = append(args, o)
	}
	_, err := s.db.Exec(query, args...)
	return err
}

// ObjectETags returns object name -> etag for every live resource known in
// the calendar. Used to decide which remote resources changed.
func (s *Storage) ObjectETags(calendarUUID string) (map[string]string, error) {
	rows, err := s.db.Query(
		`SELECT object, etag FROM caldav_tasks WHERE calendar_uuid = ? AND deleted_at IS NULL`,
		calendarUUID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	etags := make(map[string]string)
	for rows.Next() {
		var object, etag string
		if err := rows.Scan(&object, &etag); err != nil {
			return nil, err
		}
		etags[object] = etag
	}
	return etags, rows.Err()
}

func (s *Storage) queryLinks(query string, args ...interface{}) ([]*domain.CaldavTask, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []*domain.CaldavTask
	for rows.Next() {
		l, err := s.scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}
