package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tazhate/tasksync/config"
	"github.com/tazhate/tasksync/internal/notify"
	"github.com/tazhate/tasksync/internal/scheduler"
	"github.com/tazhate/tasksync/internal/service"
	"github.com/tazhate/tasksync/internal/storage"
	"github.com/tazhate/tasksync/internal/sync"
	"github.com/tazhate/tasksync/internal/vtodo"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := storage.New(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to init storage: %v", err)
	}
	defer store.Close()

	broadcaster := notify.NewBroadcaster()
	codec := vtodo.NewCodec(cfg.Timezone)
	reconciler := sync.NewReconciler(store, store, codec, broadcaster)

	accountSvc := service.NewAccountService(store, cfg.HTTPTimeout)
	syncSvc := service.NewSyncService(store, reconciler, cfg.HTTPTimeout, cfg.BatchSize)

	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			log.Fatalf("Failed to init telegram: %v", err)
		}
		syncSvc.SetAlerter(tg)
	}

	if len(os.Args) > 1 {
		if err := runCommand(os.Args[1], os.Args[2:], store, accountSvc, syncSvc); err != nil {
			log.Fatalf("%v", err)
		}
		return
	}

	runDaemon(cfg, syncSvc, broadcaster)
}

func runDaemon(cfg *config.Config, syncSvc *service.SyncService, broadcaster *notify.Broadcaster) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for event := range broadcaster.Subscribe() {
			switch event {
			case notify.EventRefreshList:
				log.Println("Refresh signal: calendar list changed")
			default:
				log.Println("Refresh signal: tasks changed")
			}
		}
	}()

	sched := scheduler.New(cfg, syncSvc)
	go func() {
		if err := sched.Start(ctx); err != nil {
			log.Printf("Scheduler error: %v", err)
		}
	}()

	log.Println("tasksync started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	cancel()
	sched.Stop()
}

func runCommand(cmd string, args []string, store *storage.Storage, accountSvc *service.AccountService, syncSvc *service.SyncService) error {
	ctx := context.Background()

	switch cmd {
	case "add-account":
		if len(args) < 3 {
			return fmt.Errorf("usage: syncd add-account URL USERNAME NAME (password from CALDAV_PASSWORD)")
		}
		password := os.Getenv("CALDAV_PASSWORD")
		if password == "" {
			return fmt.Errorf("CALDAV_PASSWORD is not set")
		}
		account, err := accountSvc.AddAccount(ctx, args[0], args[1], password, args[2])
		if err != nil {
			return fmt.Errorf("add account: %w", err)
		}
		fmt.Printf("Added account %s (%s), home set %s\n", account.Name, account.UUID, account.URL)
		return nil

	case "remove-account":
		if len(args) < 1 {
			return fmt.Errorf("usage: syncd remove-account ACCOUNT_UUID")
		}
		if err := accountSvc.DeleteAccount(args[0]); err != nil {
			return fmt.Errorf("remove account: %w", err)
		}
		fmt.Println("Account removed")
		return nil

	case "accounts":
		accounts, err := store.ListAccounts()
		if err != nil {
			return err
		}
		for _, a := range accounts {
			status := "ok"
			if a.Error != "" {
				status = a.Error
			}
			fmt.Printf("%s  %s  %s  [%s]\n", a.UUID, a.Name, a.URL, status)
		}
		return nil

	case "calendars":
		if len(args) < 1 {
			return fmt.Errorf("usage: syncd calendars ACCOUNT_UUID")
		}
		calendars, err := store.ListCalendarsByAccount(args[0])
		if err != nil {
			return err
		}
		for _, c := range calendars {
			fmt.Printf("%s  %s  %s  ctag=%s\n", c.UUID, c.Name, c.URL, c.CTag)
		}
		return nil

	case "sync":
		if len(args) > 0 {
			return syncSvc.SyncOne(ctx, args[0])
		}
		return syncSvc.SyncAll(ctx)

	default:
		return fmt.Errorf("unknown command %q (add-account, remove-account, accounts, calendars, sync)", cmd)
	}
}
