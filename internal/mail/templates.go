package mail

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/url"
	"strings"
)

var templates = template.Must(template.New("mail").Parse(`
{{define "layout"}}<!doctype html>
<html><body style="font-family:sans-serif;color:#1b3a2b">
<h2>BlueRoots</h2>
<p>Hello {{.Name}},</p>
{{template "content" .}}
<p style="color:#6b7b72;font-size:12px">If you did not request this, you can ignore this email.</p>
</body></html>{{end}}

{{define "verification"}}{{template "layout" .}}{{end}}
{{define "reset"}}{{template "layout" .}}{{end}}
`))

var (
	verificationTmpl = mustContent("verification", `{{define "content"}}
<p>Your email verification code is <strong style="font-size:20px">{{.Code}}</strong>.</p>
<p>It expires in {{.ExpiresIn}}.</p>
{{if .Link}}<p><a href="{{.Link}}">Verify your email</a></p>{{end}}
{{end}}`)
	resetTmpl = mustContent("reset", `{{define "content"}}
<p>Your password reset code is <strong style="font-size:20px">{{.Code}}</strong>.</p>
<p>It expires in {{.ExpiresIn}}.</p>
{{if .Link}}<p><a href="{{.Link}}">Reset your password</a></p>{{end}}
{{end}}`)
)

func mustContent(name, content string) *template.Template {
	t := template.Must(templates.Clone())
	return template.Must(t.Lookup(name).Parse(content))
}

type codeData struct {
	Name      string
	Code      string
	ExpiresIn string
	Link      string
}

// Notifier renders account emails and hands them to a Sender.
type Notifier struct {
	sender    Sender
	clientURL string
}

func NewNotifier(sender Sender, clientURL string) *Notifier {
	return &Notifier{sender: sender, clientURL: strings.TrimRight(clientURL, "/")}
}

// SendVerification emails an email-verification code.
func (n *Notifier) SendVerification(ctx context.Context, to, name, code, expiresIn string) error {
	body, err := render(verificationTmpl, codeData{
		Name: name, Code: code, ExpiresIn: expiresIn,
		Link: n.link("/verify-email", to, code),
	})
	if err != nil {
		return err
	}
	return n.sender.Send(ctx, to, "Verify your BlueRoots account", body)
}

// SendPasswordReset emails a password-reset code.
func (n *Notifier) SendPasswordReset(ctx context.Context, to, name, code, expiresIn string) error {
	body, err := render(resetTmpl, codeData{
		Name: name, Code: code, ExpiresIn: expiresIn,
		Link: n.link("/reset-password", to, code),
	})
	if err != nil {
		return err
	}
	return n.sender.Send(ctx, to, "Reset your BlueRoots password", body)
}

func (n *Notifier) link(path, email, code string) string {
	if n.clientURL == "" {
		return ""
	}
	q := url.Values{"email": {email}, "code": {code}}
	return n.clientURL + path + "?" + q.Encode()
}

func render(t *template.Template, data codeData) (string, error) {
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, t.Name(), data); err != nil {
		return "", fmt.Errorf("render %s email: %w", t.Name(), err)
	}
	return buf.String(), nil
}
