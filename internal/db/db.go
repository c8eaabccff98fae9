package db

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/suPer8Hu/chatstream/internal/chat"
	"github.com/suPer8Hu/chatstream/internal/models"
	"github.com/suPer8Hu/chatstream/internal/usage"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens the relational store. driver is "mysql" or "sqlite".
func Connect(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(driver) {
	case "", "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite":
		dialector = gormsqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER=%q", driver)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if strings.ToLower(driver) == "sqlite" {
		// one writer at a time
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	slog.Info("database connected", "driver", driver)
	return gdb, nil
}

func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&models.User{},
		&chat.Session{},
		&chat.Message{},
		&usage.Record{},
	)
}
