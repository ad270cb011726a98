package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DatabasePath   string
	Timezone       *time.Location
	SyncSchedule   string // cron spec for periodic sync runs
	HTTPTimeout    time.Duration
	BatchSize      int // multiget batch size
	TelegramToken  string
	TelegramChatID int64
}

func Load() (*Config, error) {
	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "./data/tasksync.db"
	}

	tzName := os.Getenv("TIMEZONE")
	if tzName == "" {
		tzName = "Europe/Moscow"
	}
	tz, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}

	schedule := os.Getenv("SYNC_SCHEDULE")
	if schedule == "" {
		schedule = "*/15 * * * *"
	}

	timeout := 30 * time.Second
	if t := os.Getenv("HTTP_TIMEOUT_SECONDS"); t != "" {
		secs, err := strconv.Atoi(t)
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("invalid HTTP_TIMEOUT_SECONDS: %q", t)
		}
		timeout = time.Duration(secs) * time.Second
	}

	batchSize := 30
	if b := os.Getenv("SYNC_BATCH_SIZE"); b != "" {
		n, err := strconv.Atoi(b)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid SYNC_BATCH_SIZE: %q", b)
		}
		batchSize = n
	}

	var chatID int64
	if c := os.Getenv("TELEGRAM_CHAT_ID"); c != "" {
		chatID, _ = strconv.ParseInt(c, 10, 64)
	}

	return &Config{
		DatabasePath:   dbPath,
		Timezone:       tz,
		SyncSchedule:   schedule,
		HTTPTimeout:    timeout,
		BatchSize:      batchSize,
		TelegramToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID: chatID,
	}, nil
}
