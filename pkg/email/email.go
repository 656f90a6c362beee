// Package email delivers templated transactional messages (one-time codes
// and magic links). Senders accept {to, template, data}; rendering is shared.
package email

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	"sync"
	texttemplate "text/template"
)

// Template names
const (
	TemplateSignupOTP = "signup-otp"
	TemplateLoginOTP  = "login-otp"
)

// Message is a request to deliver a templated email
type Message struct {
	To       string
	Template string
	Data     map[string]interface{}
}

// Sender delivers messages
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Rendered is a message ready for delivery
type Rendered struct {
	Subject string
	Text    string
	HTML    string
}

type templateSet struct {
	subject string
	text    *texttemplate.Template
	html    *htmltemplate.Template
}

// Renderer renders registered templates
type Renderer struct {
	templates map[string]templateSet
}

// NewRenderer returns a renderer with the built-in templates registered
func NewRenderer() *Renderer {
	r := &Renderer{templates: make(map[string]templateSet)}
	r.MustRegister(TemplateSignupOTP, "Confirm your email",
		"Welcome! Your verification code is {{.otp}}.\n\nOr open this link to continue: {{.verifyUrl}}\n\nThe code expires in {{.expiresIn}}.\n",
		`<p>Welcome! Your verification code is <strong>{{.otp}}</strong>.</p><p><a href="{{.verifyUrl}}">Continue</a></p><p>The code expires in {{.expiresIn}}.</p>`)
	r.MustRegister(TemplateLoginOTP, "Your sign-in code",
		"Your sign-in code is {{.otp}}.\n\nOr open this link to sign in: {{.verifyUrl}}\n\nThe code expires in {{.expiresIn}}.\n",
		`<p>Your sign-in code is <strong>{{.otp}}</strong>.</p><p><a href="{{.verifyUrl}}">Sign in</a></p><p>The code expires in {{.expiresIn}}.</p>`)
	return r
}

// Register adds or replaces a template
func (r *Renderer) Register(name, subject, text, html string) error {
	tt, err := texttemplate.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return fmt.Errorf("parse text template %s: %w", name, err)
	}
	ht, err := htmltemplate.New(name).Option("missingkey=error").Parse(html)
	if err != nil {
		return fmt.Errorf("parse html template %s: %w", name, err)
	}
	r.templates[name] = templateSet{subject: subject, text: tt, html: ht}
	return nil
}

// MustRegister is Register that panics on a parse error
func (r *Renderer) MustRegister(name, subject, text, html string) {
	if err := r.Register(name, subject, text, html); err != nil {
		panic(err)
	}
}

// Render renders msg's template with its data
func (r *Renderer) Render(msg Message) (*Rendered, error) {
	set, ok := r.templates[msg.Template]
	if !ok {
		return nil, fmt.Errorf("unknown email template %q", msg.Template)
	}

	var text, html bytes.Buffer
	if err := set.text.Execute(&text, msg.Data); err != nil {
		return nil, fmt.Errorf("render %s: %w", msg.Template, err)
	}
	if err := set.html.Execute(&html, msg.Data); err != nil {
		return nil, fmt.Errorf("render %s: %w", msg.Template, err)
	}
	return &Rendered{Subject: set.subject, Text: text.String(), HTML: html.String()}, nil
}

// MemorySender records messages instead of delivering them
type MemorySender struct {
	mu       sync.Mutex
	messages []Message
	err      error
}

// NewMemorySender creates a recording sender
func NewMemorySender() *MemorySender {
	return &MemorySender{}
}

// FailWith makes subsequent sends return err
func (s *MemorySender) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Send records msg
func (s *MemorySender) Send(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, msg)
	return nil
}

// Messages returns a copy of the recorded messages
func (s *MemorySender) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Last returns the most recent message, if any
func (s *MemorySender) Last() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		return Message{}, false
	}
	return s.messages[len(s.messages)-1], true
}
