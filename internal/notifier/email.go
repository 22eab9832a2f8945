package notifier

import (
	"context"
	"fmt"
	"mime"
	"net/smtp"
	"sort"
	"strconv"
	"strings"
	"time"

	"invoice-intake/internal/model"
)

const defaultSubject = "Invoice OCR failures"

// EmailConfig 为 SMTP 投递参数。
type EmailConfig struct {
	Host     string   `yaml:"host" json:"host"`
	Port     int      `yaml:"port" json:"port"`
	Username string   `yaml:"username" json:"username"`
	Password string   `yaml:"password" json:"-"`
	From     string   `yaml:"from" json:"from"`
	To       []string `yaml:"to" json:"to"`
	Subject  string   `yaml:"subject" json:"subject"`
}

func (c EmailConfig) addr() string {
	port := c.Port
	if port == 0 {
		port = 25
	}
	return c.Host + ":" + strconv.Itoa(port)
}

// Envelope 为一次投递的收发信息与正文。
type Envelope struct {
	From    string
	To      []string
	Subject string
	Text    string
	SentAt  time.Time
}

// Mailer 投递 Envelope，测试中可替换。
type Mailer interface {
	Deliver(ctx context.Context, env Envelope) error
}

// smtpMailer 基于 net/smtp 投递。
type smtpMailer struct {
	cfg EmailConfig
}

// Deliver 在投递前检查 ctx，net/smtp 本身不可取消。
func (m smtpMailer) Deliver(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	if err := smtp.SendMail(m.cfg.addr(), auth, env.From, env.To, encodeEnvelope(env)); err != nil {
		return fmt.Errorf("smtp deliver: %w", err)
	}
	return nil
}

// EmailNotifier 把一轮中失败的发票汇总为一封摘要邮件。
type EmailNotifier struct {
	cfg    EmailConfig
	mailer Mailer
	now    func() time.Time
}

// NewEmailNotifier mailer 为 nil 时走 SMTP。
func NewEmailNotifier(cfg EmailConfig, mailer Mailer) *EmailNotifier {
	if cfg.Subject == "" {
		cfg.Subject = defaultSubject
	}
	if mailer == nil {
		mailer = smtpMailer{cfg: cfg}
	}
	return &EmailNotifier{cfg: cfg, mailer: mailer, now: time.Now}
}

// Notify 无失败发票或无收件人时不发信。
func (n *EmailNotifier) Notify(ctx context.Context, invoices []model.Invoice) error {
	if len(invoices) == 0 || len(n.cfg.To) == 0 {
		return nil
	}
	env := Envelope{
		From:    n.cfg.From,
		To:      n.cfg.To,
		Subject: fmt.Sprintf("%s (%d)", n.cfg.Subject, len(invoices)),
		Text:    digest(invoices),
		SentAt:  n.now(),
	}
	return n.mailer.Deliver(ctx, env)
}

// digest 按上传时间升序列出失败发票。
func digest(invoices []model.Invoice) string {
	sorted := append([]model.Invoice(nil), invoices...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	var b strings.Builder
	fmt.Fprintf(&b, "%d invoice(s) could not be processed:\n\n", len(sorted))
	for _, inv := range sorted {
		label := inv.OriginalName
		if label == "" {
			label = inv.Filename
		}
		fmt.Fprintf(&b, "* %s\n  id: %s\n  status: %s\n  uploaded: %s\n",
			label, inv.ID, inv.Status, inv.CreatedAt.Format("2006-01-02 15:04"))
		if inv.Vendor != nil && *inv.Vendor != "" {
			fmt.Fprintf(&b, "  vendor: %s\n", *inv.Vendor)
		}
	}
	return b.String()
}

// encodeEnvelope 生成 RFC 5322 报文，主题按 Q 编码以容纳非 ASCII 字符。
func encodeEnvelope(env Envelope) []byte {
	headers := [][2]string{
		{"From", env.From},
		{"To", strings.Join(env.To, ", ")},
		{"Subject", mime.QEncoding.Encode("utf-8", env.Subject)},
		{"MIME-Version", "1.0"},
		{"Content-Type", "text/plain; charset=utf-8"},
	}
	if !env.SentAt.IsZero() {
		headers = append(headers, [2]string{"Date", env.SentAt.Format(time.RFC1123Z)})
	}

	var b strings.Builder
	for _, h := range headers {
		b.WriteString(h[0])
		b.WriteString(": ")
		b.WriteString(h[1])
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(env.Text, "\n", "\r\n"))
	return []byte(b.String())
}
