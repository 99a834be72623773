// Package gormstore 基于 gorm 保存跟踪配置、拉取失败记录与收益任务。
package gormstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dealscan/internal/pkg/errkind"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// GormStore 同时实现 TrackingRepository、FailureLog 与 tasks.Repository。
type GormStore struct {
	db *gorm.DB
}

// Open 按驱动打开数据库并迁移表结构；sqlite 下 dsn 为文件路径。
func Open(driver, dsn string) (*GormStore, error) {
	dialector, err := dialectorFor(driver, dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
		TranslateError:                           true,
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageUnavailable, "gormstore.open", err)
	}
	models := []interface{}{
		&trackingConfigModel{},
		&fetchFailureModel{},
		&returnTaskModel{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, errkind.Wrap(errkind.StorageUnavailable, "gormstore.migrate", err)
	}
	if strings.EqualFold(driver, DriverSQLite) || strings.TrimSpace(driver) == "" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &GormStore{db: db}, nil
}

func dialectorFor(driver, dsn string) (gorm.Dialector, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("gorm store: dsn 不能为空")
	}
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite:
		if err := ensureDir(dsn); err != nil {
			return nil, err
		}
		return sqlite.Open(fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&cache=shared", dsn)), nil
	case DriverPostgres:
		return postgres.Open(dsn), nil
	case DriverMySQL:
		return mysql.Open(dsn), nil
	default:
		return nil, fmt.Errorf("gorm store: 不支持的驱动 %q", driver)
	}
}

func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) ready(op string) error {
	if s == nil || s.db == nil {
		return errkind.New(errkind.StorageUnavailable, op, "gorm store 未初始化")
	}
	return nil
}

// storageErr 保留已分类的错误，其余归为 storage-unavailable。
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var ek *errkind.Error
	if errors.As(err, &ek) {
		return err
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return errkind.Wrap(errkind.NotFound, op, err)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return errkind.Wrap(errkind.Conflict, op, err)
	}
	return errkind.Wrap(errkind.StorageUnavailable, op, err)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
