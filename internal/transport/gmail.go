package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	appconfig "github.com/evolvi/scadenze-notifier/internal/config"
)

const gmailSendURL = "https://gmail.googleapis.com/gmail/v1/users/me/messages/send"

// GmailTransport delivers mail through the Gmail API on behalf of the
// configured account. It only consumes a long-lived refresh token; the OAuth
// consent flow that produces the token is handled by the hosting app.
type GmailTransport struct {
	httpClient *http.Client
	fromName   string
	fromEmail  string
	sendURL    string
}

// NewGmailTransport creates a Gmail transport. The returned client refreshes
// access tokens transparently via the token source.
func NewGmailTransport(ctx context.Context, cfg appconfig.GmailConfig, mail appconfig.MailConfig) (*GmailTransport, error) {
	if cfg.RefreshToken == "" {
		return nil, fmt.Errorf("gmail transport: refresh token not configured")
	}

	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{"https://www.googleapis.com/auth/gmail.send"},
	}
	token := &oauth2.Token{RefreshToken: cfg.RefreshToken}

	return &GmailTransport{
		httpClient: conf.Client(ctx, token),
		fromName:   mail.FromName,
		fromEmail:  mail.FromEmail,
		sendURL:    gmailSendURL,
	}, nil
}

// buildMessage assembles the RFC 2822 payload. Subject lines and display
// names regularly carry accented Italian text, so both are RFC 2047 encoded;
// mime.QEncoding leaves pure-ASCII values untouched.
func (t *GmailTransport) buildMessage(to, subject, htmlBody string) []byte {
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s <%s>\r\n", mime.QEncoding.Encode("UTF-8", t.fromName), t.fromEmail)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("UTF-8", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(htmlBody)
	return msg.Bytes()
}

// Send delivers a single HTML email through the Gmail API. The message is
// assembled as RFC 2822 and base64url-encoded into the API's raw field.
func (t *GmailTransport) Send(ctx context.Context, to, subject, htmlBody string) error {
	payload, err := json.Marshal(map[string]string{
		"raw": base64.URLEncoding.EncodeToString(t.buildMessage(to, subject, htmlBody)),
	})
	if err != nil {
		return fmt.Errorf("gmail send: encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.sendURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("gmail send: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gmail send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("gmail send: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}
