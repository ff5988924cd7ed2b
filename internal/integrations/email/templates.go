package email

import (
	"bytes"
	"fmt"
	"html/template"
	"sync"
)

// Template names.
const (
	TemplateNewSale        = "new_sale"
	TemplateCommitReminder = "commit_reminder"
	TemplateOrderCancelled = "order_cancelled"
	TemplateOrderCommitted = "order_committed"
	TemplateRefund         = "refund"
	TemplatePayout         = "payout"
	TemplateGeneric        = "generic"
)

const layout = `{{define "layout"}}<!DOCTYPE html>
<html><body style="font-family:Arial,sans-serif;color:#1f2937">
<h2 style="color:#3b6b4b">{{.Title}}</h2>
{{template "body" .}}
{{if .OrderID}}<p style="color:#6b7280;font-size:12px">Order reference: {{.OrderID}}</p>{{end}}
</body></html>{{end}}`

var bodies = map[string]string{
	TemplateNewSale: `{{define "body"}}<p>{{.Message}}</p>
<p>Please commit to the sale within {{.Window}} or the order will be cancelled and the buyer refunded.</p>{{end}}`,
	TemplateCommitReminder: `{{define "body"}}<p>{{.Message}}</p>
<p>Commit before {{.Deadline}} to keep the sale.</p>{{end}}`,
	TemplateOrderCancelled: `{{define "body"}}<p>{{.Message}}</p>{{end}}`,
	TemplateOrderCommitted: `{{define "body"}}<p>{{.Message}}</p>
{{if .Tracking}}<p>Tracking number: <strong>{{.Tracking}}</strong></p>{{end}}{{end}}`,
	TemplateRefund:  `{{define "body"}}<p>{{.Message}}</p><p>Refunds reach your account within 5 to 10 working days.</p>{{end}}`,
	TemplatePayout:  `{{define "body"}}<p>{{.Message}}</p>{{end}}`,
	TemplateGeneric: `{{define "body"}}<p>{{.Message}}</p>{{end}}`,
}

// Data feeds a template.
type Data struct {
	Title    string
	Message  string
	OrderID  string
	Window   string
	Deadline string
	Tracking string
}

var (
	parseOnce sync.Once
	parsed    map[string]*template.Template
	parseErr  error
)

func templates() (map[string]*template.Template, error) {
	parseOnce.Do(func() {
		parsed = make(map[string]*template.Template, len(bodies))
		for name, body := range bodies {
			tmpl, err := template.New(name).Parse(layout)
			if err == nil {
				_, err = tmpl.Parse(body)
			}
			if err != nil {
				parseErr = fmt.Errorf("parse template %s: %w", name, err)
				return
			}
			parsed[name] = tmpl
		}
	})
	return parsed, parseErr
}

// Render builds an HTML message body. Unknown names fall back to the generic
// template.
func Render(name string, data Data) (string, error) {
	all, err := templates()
	if err != nil {
		return "", err
	}
	tmpl, ok := all[name]
	if !ok {
		tmpl = all[TemplateGeneric]
	}
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}
