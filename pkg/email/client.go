package email

import (
	"gopkg.in/mail.v2"
)

type Client struct {
	smtpHost string
	smtpPort int
	username string
	password string
	from     string
}

func NewClient(smtpHost string, smtpPort int, username, password, from string) *Client {
	return &Client{
		smtpHost: smtpHost,
		smtpPort: smtpPort,
		username: username,
		password: password,
		from:     from,
	}
}

// Send delivers a plain-text notification with the given subject.
func (c *Client) Send(to, subject, body string) error {
	message := mail.NewMessage()

	message.SetHeader("From", c.from)
	message.SetHeader("To", to)
	message.SetHeader("Subject", subject)

	message.SetBody("text/plain", body)

	dialer := mail.NewDialer(c.smtpHost, c.smtpPort, c.username, c.password)

	return dialer.DialAndSend(message)
}
