package db

import (
	"fmt"
	"strings"
	"time"

	"roomchat/internal/models"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const sqlitePrefix = "sqlite:"

// Connect 根据 DSN 选择驱动：以 "sqlite:" 开头走内嵌 SQLite，其余按 Postgres 处理，
// 并带有简单的重试来等待容器就绪。
func Connect(dsn string) (*gorm.DB, error) {
	if strings.HasPrefix(dsn, sqlitePrefix) {
		return openSQLite(strings.TrimPrefix(dsn, sqlitePrefix))
	}
	var gdb *gorm.DB
	var err error
	for i := 0; i < 10; i++ {
		gdb, err = gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err == nil {
			sqlDB, err2 := gdb.DB()
			if err2 == nil {
				sqlDB.SetMaxIdleConns(5)
				sqlDB.SetMaxOpenConns(20)
				sqlDB.SetConnMaxLifetime(time.Hour)
				return gdb, nil
			}
			err = err2
		}
		time.Sleep(time.Duration(500+i*200) * time.Millisecond)
	}
	return nil, fmt.Errorf("connect postgres: %w", err)
}

// SQLite 的 :memory: 库按连接隔离，只能保持单连接。
func openSQLite(path string) (*gorm.DB, error) {
	if path == "" {
		path = ":memory:"
	}
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return gdb, nil
}

// Migrate 自动迁移全部表结构。
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(models.All()...)
}

// Reset 删除全部表后重新建表，数据不可恢复。
func Reset(gdb *gorm.DB) error {
	all := models.All()
	for i := len(all) - 1; i >= 0; i-- {
		if err := gdb.Migrator().DropTable(all[i]); err != nil {
			return fmt.Errorf("drop %T: %w", all[i], err)
		}
	}
	return Migrate(gdb)
}
