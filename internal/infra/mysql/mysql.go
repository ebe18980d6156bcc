package mysql

import (
	"fmt"

	"jewellery-backend/internal/config"
	"jewellery-backend/internal/domain"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

func NewMySQL(cfg config.MySQLConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{
			SingularTable: false,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&domain.Order{},
		&domain.OrderItem{},
		&domain.Payment{},
		&domain.Refund{},
		&domain.WebhookEvent{},
		&domain.PaymentAuditLog{},
	); err != nil {
		return nil, err
	}

	return db, nil
}
