package services

import (
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/recordtransfer/backend/internal/database"
	"github.com/recordtransfer/backend/internal/models"
)

// EmailService handles sending emails via SMTP
type EmailService struct{}

// NewEmailService creates a new email service
func NewEmailService() *EmailService {
	return &EmailService{}
}

// EmailConfig holds SMTP configuration
type EmailConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	FromName string
	FromAddr string
	BaseURL  string
}

// GetConfig retrieves email configuration from the system preferences table
func (s *EmailService) GetConfig() (*EmailConfig, error) {
	settings := make(map[string]string)
	keys := []string{"smtp_host", "smtp_port", "smtp_username", "smtp_password", "smtp_from_name", "smtp_from_email", "site_base_url"}

	for _, key := range keys {
		var setting models.SystemPreference
		if err := database.DB.Where("key = ?", key).First(&setting).Error; err == nil {
			settings[key] = setting.Value
		}
	}

	if settings["smtp_host"] == "" {
		return nil, fmt.Errorf("SMTP host not configured")
	}

	fromAddr := settings["smtp_from_email"]
	if fromAddr == "" {
		fromAddr = settings["smtp_username"]
	}

	return &EmailConfig{
		Host:     settings["smtp_host"],
		Port:     settings["smtp_port"],
		Username: settings["smtp_username"],
		Password: settings["smtp_password"],
		FromName: settings["smtp_from_name"],
		FromAddr: fromAddr,
		BaseURL:  settings["site_base_url"],
	}, nil
}

// SendEmail sends an email
func (s *EmailService) SendEmail(to, subject, body string, isHTML bool) error {
	config, err := s.GetConfig()
	if err != nil {
		return err
	}

	return s.SendEmailWithConfig(config, to, subject, body, isHTML)
}

// SendExpiryReminder emails the donor that their in-progress submission will
// expire soon unless they resume it. Implements ExpiryNotifier.
func (s *EmailService) SendExpiryReminder(submission *models.InProgressSubmission, expiresAt time.Time) error {
	config, err := s.GetConfig()
	if err != nil {
		return err
	}

	resumeURL := strings.TrimRight(config.BaseURL, "/") + "/submission/" + submission.UUID

	name := submission.ContactName
	if name == "" {
		name = "donor"
	}
	title := submission.AccessionTitle
	if title == "" {
		title = "your in-progress submission"
	}

	body := expiryReminderTemplate
	body = strings.ReplaceAll(body, "{contact_name}", name)
	body = strings.ReplaceAll(body, "{accession_title}", title)
	body = strings.ReplaceAll(body, "{expires_at}", expiresAt.Format("January 2, 2006 at 15:04 MST"))
	body = strings.ReplaceAll(body, "{resume_url}", resumeURL)

	subject := "Reminder: your record transfer expires soon"
	return s.SendEmailWithConfig(config, submission.ContactEmail, subject, body, true)
}

const expiryReminderTemplate = `
<!DOCTYPE html>
<html>
<head>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { background: #1f2937; color: white; padding: 20px; text-align: center; border-radius: 8px 8px 0 0; }
        .content { background: #f9fafb; padding: 20px; border: 1px solid #e5e7eb; border-top: none; border-radius: 0 0 8px 8px; }
        .warning { color: #b45309; font-weight: bold; }
        .button { display: inline-block; background: #3b82f6; color: white; padding: 10px 20px; border-radius: 6px; text-decoration: none; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>Record Transfer</h1>
        </div>
        <div class="content">
            <h2>Hello {contact_name},</h2>
            <p class="warning">Your upload for "{accession_title}" will expire on {expires_at}.</p>
            <p>Any files you have uploaded so far will be deleted when the session expires. To keep them, please resume and complete your submission before then.</p>
            <p><a class="button" href="{resume_url}">Resume submission</a></p>
            <hr>
            <p><small>If you no longer wish to complete this transfer, no action is needed.</small></p>
        </div>
    </div>
</body>
</html>
`

// SendEmailWithConfig sends an email with specific config (useful for testing)
func (s *EmailService) SendEmailWithConfig(config *EmailConfig, to, subject, body string, isHTML bool) error {
	if config.Host == "" || config.Port == "" {
		return fmt.Errorf("SMTP not configured")
	}

	from := config.FromAddr
	if config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", config.FromName, config.FromAddr)
	}

	contentType := "text/plain"
	if isHTML {
		contentType = "text/html"
	}

	msg := fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"MIME-Version: 1.0\r\n"+
		"Content-Type: %s; charset=UTF-8\r\n"+
		"\r\n"+
		"%s", from, to, subject, contentType, body)

	addr := fmt.Sprintf("%s:%s", config.Host, config.Port)

	// Port decides the transport: 465 is direct TLS, 587/25 are STARTTLS
	port := config.Port
	useTLS := port == "465"
	useStartTLS := port == "587" || port == "25"

	var auth smtp.Auth
	if config.Username != "" && config.Password != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}

	if useTLS {
		return s.sendWithTLS(addr, config, auth, to, []byte(msg))
	} else if useStartTLS {
		return s.sendWithStartTLS(addr, config, auth, to, []byte(msg))
	}
	return smtp.SendMail(addr, auth, config.FromAddr, []string{to}, []byte(msg))
}

// sendWithTLS sends email using direct TLS (port 465)
func (s *EmailService) sendWithTLS(addr string, config *EmailConfig, auth smtp.Auth, to string, msg []byte) error {
	tlsConfig := &tls.Config{
		ServerName: config.Host,
	}

	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("TLS dial failed: %v", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, config.Host)
	if err != nil {
		return fmt.Errorf("SMTP client failed: %v", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP auth failed: %v", err)
		}
	}

	return s.transmit(client, config.FromAddr, to, msg)
}

// sendWithStartTLS sends email using STARTTLS (port 587)
func (s *EmailService) sendWithStartTLS(addr string, config *EmailConfig, auth smtp.Auth, to string, msg []byte) error {
	client, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("SMTP dial failed: %v", err)
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("HELLO failed: %v", err)
	}

	tlsConfig := &tls.Config{
		ServerName: config.Host,
	}
	if err := client.StartTLS(tlsConfig); err != nil {
		return fmt.Errorf("STARTTLS failed: %v", err)
	}

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP auth failed: %v", err)
		}
	}

	return s.transmit(client, config.FromAddr, to, msg)
}

// transmit runs the MAIL FROM / RCPT TO / DATA exchange on an open client
func (s *EmailService) transmit(client *smtp.Client, from, to string, msg []byte) error {
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM failed: %v", err)
	}

	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("RCPT TO failed: %v", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA failed: %v", err)
	}

	if _, err = w.Write(msg); err != nil {
		return fmt.Errorf("Write failed: %v", err)
	}

	if err = w.Close(); err != nil {
		return fmt.Errorf("Close failed: %v", err)
	}

	return client.Quit()
}

// TestConnection tests the SMTP connection
func (s *EmailService) TestConnection(config *EmailConfig) error {
	if config.Host == "" {
		return fmt.Errorf("SMTP host is required")
	}
	if config.Port == "" {
		return fmt.Errorf("SMTP port is required")
	}

	addr := fmt.Sprintf("%s:%s", config.Host, config.Port)
	port := config.Port

	var client *smtp.Client
	if port == "465" {
		tlsConfig := &tls.Config{
			ServerName: config.Host,
		}
		conn, err := tls.Dial("tcp", addr, tlsConfig)
		if err != nil {
			return fmt.Errorf("TLS connection failed: %v", err)
		}
		defer conn.Close()

		client, err = smtp.NewClient(conn, config.Host)
		if err != nil {
			return fmt.Errorf("SMTP client failed: %v", err)
		}
	} else {
		var err error
		client, err = smtp.Dial(addr)
		if err != nil {
			return fmt.Errorf("Connection failed: %v", err)
		}
		if port == "587" || port == "25" {
			tlsConfig := &tls.Config{
				ServerName: config.Host,
			}
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("STARTTLS failed: %v", err)
			}
		}
	}
	defer client.Close()

	if config.Username != "" && config.Password != "" {
		auth := smtp.PlainAuth("", config.Username, config.Password, config.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("Authentication failed: %v", err)
		}
	}

	return client.Quit()
}
