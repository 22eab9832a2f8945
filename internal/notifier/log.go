package notifier

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"invoice-intake/internal/model"
)

// 通知方式。
const (
	KindLog   = "log"
	KindEmail = "email"
)

// Config 选择通知方式。
type Config struct {
	Kind  string      `yaml:"kind" json:"kind" validate:"omitempty,oneof=log email"`
	Email EmailConfig `yaml:"email" json:"email"`
}

// Notifier 为失败发票通知接口。
type Notifier interface {
	Notify(ctx context.Context, invoices []model.Invoice) error
}

// New 按配置创建通知器，默认写日志。
func New(cfg Config, logger logrus.FieldLogger) (Notifier, error) {
	switch cfg.Kind {
	case "", KindLog:
		return NewLogNotifier(logger), nil
	case KindEmail:
		if cfg.Email.Host == "" || len(cfg.Email.To) == 0 {
			return nil, fmt.Errorf("email notifier requires host and recipients")
		}
		return NewEmailNotifier(cfg.Email, nil), nil
	default:
		return nil, fmt.Errorf("unknown notifier kind %q", cfg.Kind)
	}
}

// LogNotifier 仅记录失败发票，适合开发阶段使用。
type LogNotifier struct {
	logger logrus.FieldLogger
}

// NewLogNotifier 创建日志通知器，未提供 logger 时使用标准 logger。
func NewLogNotifier(logger logrus.FieldLogger) *LogNotifier {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogNotifier{logger: logger.WithField("component", "notifier")}
}

// Notify 逐条记录失败发票。
func (n LogNotifier) Notify(ctx context.Context, invoices []model.Invoice) error {
	for _, inv := range invoices {
		n.logger.WithFields(logrus.Fields{
			"invoice_id": inv.ID,
			"file":       inv.OriginalName,
			"status":     inv.Status,
		}).Warn("invoice processing failed")
	}
	return nil
}
