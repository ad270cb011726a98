package service

import (
	"context"
	"fmt"
	"time"

	"github.com/tazhate/tasksync/internal/clients/caldav"
	"github.com/tazhate/tasksync/internal/domain"
	"github.com/tazhate/tasksync/internal/storage"
)

// AccountService handles account lifecycle: validation against the server,
// calendar discovery, and the delete cascades.
type AccountService struct {
	storage *storage.Storage
	timeout time.Duration
}

func NewAccountService(s *storage.Storage, timeout time.Duration) *AccountService {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AccountService{storage: s, timeout: timeout}
}

func (s *AccountService) client(baseURL, username, password string) (*caldav.Client, error) {
	client, err := caldav.NewClient(baseURL, username, password)
	if err != nil {
		return nil, err
	}
	client.SetTimeout(s.timeout)
	return client, nil
}

// AddAccount validates credentials against the server, resolves the calendar
// home set, and stores the account with the home set as its URL. The server
// must expose at least one VTODO-capable calendar.
func (s *AccountService) AddAccount(ctx context.Context, url, username, password, name string) (*domain.Account, error) {
	client, err := s.client(url, username, password)
	if err != nil {
		return nil, err
	}
	homeSet, err := client.ResolveHomeSet(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve home set: %w", err)
	}

	homeClient, err := s.client(homeSet, username, password)
	if err != nil {
		return nil, err
	}
	collections, err := homeClient.ListCalendars(ctx)
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}

	account := &domain.Account{
		URL:      homeSet,
		Username: username,
		Password: password,
		Name:     name,
	}
	if err := s.storage.CreateAccount(account); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}

	// Seed calendar rows now so they show up before the first sync pass.
	// The empty ctag makes the first pass pull everything.
	for _, col := range collections {
		cal := &domain.Calendar{
			AccountUUID: account.UUID,
			URL:         col.Href,
			Name:        col.Name,
			Color:       col.Color,
		}
		if err := s.storage.CreateCalendar(cal); err != nil {
			return nil, fmt.Errorf("create calendar %s: %w", col.Name, err)
		}
	}
	return account, nil
}

// DiscoverCalendars lists the remote collections for an existing account.
func (s *AccountService) DiscoverCalendars(ctx context.Context, accountUUID string) ([]caldav.Collection, error) {
	account, err := s.storage.GetAccount(accountUUID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, fmt.Errorf("account %s not found", accountUUID)
	}
	client, err := s.client(account.URL, account.Username, account.Password)
	if err != nil {
		return nil, err
	}
	return client.ListCalendars(ctx)
}

// DeleteAccount removes the account with all its calendars and correlation
// rows, soft-deleting the linked local tasks.
func (s *AccountService) DeleteAccount(accountUUID string) error {
	calendars, err := s.storage.ListCalendarsByAccount(accountUUID)
	if err != nil {
		return err
	}
	for _, cal := range calendars {
		if err := s.softDeleteCalendarTasks(cal.UUID); err != nil {
			return err
		}
	}
	return s.storage.DeleteAccount(accountUUID)
}

// DeleteCalendar removes one calendar and its correlation rows,
// soft-deleting the linked local tasks.
func (s *AccountService) DeleteCalendar(calendarUUID string) error {
	if err := s.softDeleteCalendarTasks(calendarUUID); err != nil {
		return err
	}
	return s.storage.DeleteCalendar(calendarUUID)
}

func (s *AccountService) softDeleteCalendarTasks(calendarUUID string) error {
	links, err := s.storage.ListLinksByCalendar(calendarUUID)
	if err != nil {
		return err
	}
	for _, link := range links {
		if err := s.storage.SoftDeleteTask(link.TaskID); err != nil {
			return err
		}
	}
	return nil
}
