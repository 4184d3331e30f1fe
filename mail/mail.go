// Package mail builds MIME messages and sends them over SMTP with
// implicit TLS, e.g. crawl reports through a Gmail app password.
package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	"net/smtp"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/YashengChen/crawlerkit"
)

// DefaultAddress is Gmail's implicit-TLS submission endpoint.
const DefaultAddress = "smtp.gmail.com:465"

// Attachment is a file carried by a Message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is a mail with optional text and HTML bodies and attachments.
type Message struct {
	From        string
	To          []string
	Cc          []string
	Subject     string
	Text        string
	HTML        string
	Attachments []Attachment
	// Date defaults to the time Bytes is called.
	Date time.Time
}

// SplitAddresses turns "a@x, b@y" into a list, dropping empty entries.
func SplitAddresses(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if addr := strings.TrimSpace(part); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// AttachFile reads path and attaches it under its base name.
func (m *Message) AttachFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("attach %s: %w", path, err)
	}
	name := filepath.Base(path)
	ctype := mime.TypeByExtension(filepath.Ext(name))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	m.Attachments = append(m.Attachments, Attachment{Filename: name, ContentType: ctype, Data: data})
	return nil
}

// Recipients returns To followed by Cc.
func (m *Message) Recipients() []string {
	out := make([]string, 0, len(m.To)+len(m.Cc))
	out = append(out, m.To...)
	return append(out, m.Cc...)
}

// Bytes renders the message as multipart/mixed.
func (m *Message) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}
	fmt.Fprintf(&buf, "From: %s\r\n", m.From)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(m.To, ", "))
	if len(m.Cc) > 0 {
		fmt.Fprintf(&buf, "Cc: %s\r\n", strings.Join(m.Cc, ", "))
	}
	fmt.Fprintf(&buf, "Date: %s\r\n", date.Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", m.Subject))
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", mw.Boundary())

	if err := m.writeBody(mw); err != nil {
		return nil, err
	}
	for _, a := range m.Attachments {
		if err := writeAttachment(mw, a); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

const (
	textPlain = "text/plain; charset=utf-8"
	textHTML  = "text/html; charset=utf-8"
)

// writeBody adds the readable body. Text and HTML together go into one
// multipart/alternative part, plain text first.
func (m *Message) writeBody(mw *multipart.Writer) error {
	switch {
	case m.Text != "" && m.HTML != "":
	case m.Text != "":
		return writeQuoted(mw, textPlain, m.Text)
	case m.HTML != "":
		return writeQuoted(mw, textHTML, m.HTML)
	default:
		return nil
	}

	var body bytes.Buffer
	alt := multipart.NewWriter(&body)
	if err := writeQuoted(alt, textPlain, m.Text); err != nil {
		return err
	}
	if err := writeQuoted(alt, textHTML, m.HTML); err != nil {
		return err
	}
	if err := alt.Close(); err != nil {
		return err
	}

	h := textproto.MIMEHeader{}
	h.Set("Content-Type", mime.FormatMediaType("multipart/alternative", map[string]string{"boundary": alt.Boundary()}))
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = part.Write(body.Bytes())
	return err
}

func writeQuoted(mw *multipart.Writer, contentType, body string) error {
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", contentType)
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	qw := quotedprintable.NewWriter(part)
	if _, err := qw.Write([]byte(body)); err != nil {
		return err
	}
	return qw.Close()
}

func writeAttachment(mw *multipart.Writer, a Attachment) error {
	ctype := a.ContentType
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", mime.FormatMediaType(ctype, map[string]string{"name": a.Filename}))
	h.Set("Content-Transfer-Encoding", "base64")
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.Filename}))
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}

	encoded := base64.StdEncoding.EncodeToString(a.Data)
	for len(encoded) > 76 {
		if _, err := part.Write([]byte(encoded[:76] + "\r\n")); err != nil {
			return err
		}
		encoded = encoded[76:]
	}
	_, err = part.Write([]byte(encoded + "\r\n"))
	return err
}

// Sender submits messages with PLAIN auth over implicit TLS.
type Sender struct {
	Address  string        `yaml:"address"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`

	Logger crawlerkit.Logger `yaml:"-"`
	// TLSConfig overrides the default verification settings.
	TLSConfig *tls.Config `yaml:"-"`
}

func (s *Sender) address() string {
	if s.Address == "" {
		return DefaultAddress
	}
	return s.Address
}

// Send delivers msg to every recipient in To and Cc. The envelope sender
// is msg.From, or the username when From is empty.
func (s *Sender) Send(ctx context.Context, msg *Message) error {
	logger := s.Logger
	if logger == nil {
		logger = &crawlerkit.NoOpLogger{}
	}
	recipients := msg.Recipients()
	if len(recipients) == 0 {
		return fmt.Errorf("mail: no recipients")
	}
	from := msg.From
	if from == "" {
		from = s.Username
		msg.From = from
	}
	body, err := msg.Bytes()
	if err != nil {
		return fmt.Errorf("mail: render: %w", err)
	}

	addr := s.address()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("mail: address %q: %w", addr, err)
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	tlsConfig := s.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	}

	dialer := &tls.Dialer{NetDialer: &net.Dialer{Timeout: timeout}, Config: tlsConfig}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("mail: dial %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("mail: handshake: %w", err)
	}
	defer client.Close()

	if s.Username != "" {
		if err := client.Auth(smtp.PlainAuth("", s.Username, s.Password, host)); err != nil {
			return fmt.Errorf("mail: auth: %w", err)
		}
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("mail: MAIL FROM: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("mail: RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("mail: DATA: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("mail: write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("mail: end DATA: %w", err)
	}

	logger.Info("mail sent", "from", from, "to", msg.To, "cc", msg.Cc, "subject", msg.Subject)
	return client.Quit()
}
