package notification

import (
	"fmt"
	"sync"

	"github.com/osteele/liquid"

	"github.com/evolvi/scadenze-notifier/internal/domain"
)

// TemplateService renders alert and digest email bodies with the Liquid
// template language. Parsed templates are cached; rendering is safe for
// concurrent use.
type TemplateService struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
	appURL string
}

// NewTemplateService creates the template service with the built-in alert
// and digest templates. appURL is linked from every email.
func NewTemplateService(appURL string) *TemplateService {
	return &TemplateService{engine: liquid.NewEngine(), appURL: appURL}
}

type renderedEmail struct {
	Subject string
	HTML    string
}

func (ts *TemplateService) render(name, src string, bindings map[string]interface{}) (string, error) {
	var tpl *liquid.Template
	if cached, ok := ts.cache.Load(name); ok {
		tpl = cached.(*liquid.Template)
	} else {
		parsed, err := ts.engine.ParseString(src)
		if err != nil {
			return "", fmt.Errorf("parse template %s: %w", name, err)
		}
		ts.cache.Store(name, parsed)
		tpl = parsed
	}

	out, err := tpl.RenderString(bindings)
	if err != nil {
		return "", fmt.Errorf("render template %s: %w", name, err)
	}
	return out, nil
}

// RenderAlert produces the subject and HTML body for a single deadline alert.
func (ts *TemplateService) RenderAlert(d domain.Deadline, daysRemaining int, urgency string) (renderedEmail, error) {
	var when string
	switch {
	case daysRemaining < 0:
		when = fmt.Sprintf("Scaduta da %d giorni", -daysRemaining)
	case daysRemaining == 0:
		when = "OGGI"
	case daysRemaining == 1:
		when = "DOMANI"
	default:
		when = fmt.Sprintf("Tra %d giorni", daysRemaining)
	}

	html, err := ts.render("scadenza_alert", alertTemplate, map[string]interface{}{
		"urgency":   urgency,
		"when":      when,
		"titolo":    d.Title,
		"scadenza":  d.DueDate.Format("02/01/2006"),
		"cliente":   d.ClientName,
		"progetto":  d.ProjectTitle,
		"priorita":  string(d.Priority),
		"app_url":   ts.appURL,
	})
	if err != nil {
		return renderedEmail{}, err
	}

	return renderedEmail{
		Subject: fmt.Sprintf("%s: %s - %s", urgency, d.Title, when),
		HTML:    html,
	}, nil
}

// RenderDigest produces the weekly digest summarizing the given deadlines.
// Deadlines due within a day are listed as urgent, the rest as upcoming.
func (ts *TemplateService) RenderDigest(deadlines []domain.Deadline, daysFor func(domain.Deadline) int) (renderedEmail, error) {
	var urgent, upcoming []map[string]interface{}
	for _, d := range deadlines {
		days := daysFor(d)
		entry := map[string]interface{}{
			"titolo":   d.Title,
			"cliente":  d.ClientName,
			"scadenza": d.DueDate.Format("02/01/2006"),
			"giorni":   days,
		}
		if days <= 1 {
			urgent = append(urgent, entry)
		} else {
			upcoming = append(upcoming, entry)
		}
	}

	html, err := ts.render("digest_settimanale", digestTemplate, map[string]interface{}{
		"urgenti":   urgent,
		"imminenti": upcoming,
		"app_url":   ts.appURL,
	})
	if err != nil {
		return renderedEmail{}, err
	}

	return renderedEmail{
		Subject: fmt.Sprintf("Digest Settimanale: %d scadenze da monitorare", len(deadlines)),
		HTML:    html,
	}, nil
}

const alertTemplate = `<!DOCTYPE html>
<html>
  <head><meta charset="utf-8"><title>Scadenza {{ urgency }}</title></head>
  <body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
      <div style="background: linear-gradient(135deg, #06b6d4, #059669); padding: 30px; border-radius: 12px 12px 0 0; text-align: center;">
        <h1 style="color: white; margin: 0; font-size: 24px;">Scadenza {{ urgency }}</h1>
        <p style="color: #e0f7fa; margin: 8px 0 0 0; font-size: 16px;">{{ when }}</p>
      </div>
      <div style="background: white; padding: 30px; border: 1px solid #e5e7eb; border-radius: 0 0 12px 12px;">
        <div style="background: #f9fafb; padding: 20px; border-radius: 8px; margin-bottom: 20px;">
          <h2 style="color: #111827; margin: 0 0 12px 0; font-size: 18px;">{{ titolo }}</h2>
          <div style="margin-bottom: 8px;"><strong>Data scadenza:</strong> {{ scadenza }}</div>
          <div style="margin-bottom: 8px;"><strong>Cliente:</strong> {{ cliente }}</div>
          <div style="margin-bottom: 8px;"><strong>Progetto:</strong> {{ progetto }}</div>
          <div><strong>Priorit&agrave;:</strong> {{ priorita | upcase }}</div>
        </div>
        <div style="text-align: center; margin: 30px 0;">
          <a href="{{ app_url }}" style="background: linear-gradient(135deg, #06b6d4, #059669); color: white; padding: 12px 24px; text-decoration: none; border-radius: 8px; font-weight: bold; display: inline-block;">Apri Gestionale Evolvi</a>
        </div>
        <div style="border-top: 1px solid #e5e7eb; padding-top: 20px; text-align: center; color: #6b7280; font-size: 14px;">
          <p>Questa email &egrave; stata generata automaticamente dal sistema di gestione scadenze.</p>
          <p style="margin: 0;">Per modificare le impostazioni di notifica, accedi al gestionale.</p>
        </div>
      </div>
    </div>
  </body>
</html>`

const digestTemplate = `<!DOCTYPE html>
<html>
  <head><meta charset="utf-8"><title>Digest Settimanale Scadenze</title></head>
  <body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
      <div style="background: linear-gradient(135deg, #06b6d4, #059669); padding: 30px; border-radius: 12px 12px 0 0; text-align: center;">
        <h1 style="color: white; margin: 0; font-size: 24px;">Digest Settimanale</h1>
        <p style="color: #e0f7fa; margin: 8px 0 0 0;">Riepilogo scadenze della settimana</p>
      </div>
      <div style="background: white; padding: 30px; border: 1px solid #e5e7eb; border-radius: 0 0 12px 12px;">
        {% if urgenti.size > 0 %}
        <div style="margin-bottom: 24px;">
          <h3 style="color: #dc2626; border-bottom: 2px solid #dc2626; padding-bottom: 8px;">Urgenti ({{ urgenti.size }})</h3>
          {% for s in urgenti %}
          <div style="background: #fee2e2; padding: 12px; margin-bottom: 8px; border-radius: 6px; border-left: 4px solid #dc2626;">
            <strong>{{ s.titolo }}</strong><br>
            <small style="color: #7f1d1d;">{{ s.cliente }} &bull; {{ s.scadenza }}</small>
          </div>
          {% endfor %}
        </div>
        {% endif %}
        {% if imminenti.size > 0 %}
        <div style="margin-bottom: 24px;">
          <h3 style="color: #d97706; border-bottom: 2px solid #d97706; padding-bottom: 8px;">Imminenti ({{ imminenti.size }})</h3>
          {% for s in imminenti %}
          <div style="background: #fef3c7; padding: 12px; margin-bottom: 8px; border-radius: 6px; border-left: 4px solid #d97706;">
            <strong>{{ s.titolo }}</strong><br>
            <small style="color: #92400e;">{{ s.cliente }} &bull; {{ s.scadenza }} ({{ s.giorni }} giorni)</small>
          </div>
          {% endfor %}
        </div>
        {% endif %}
        <div style="text-align: center; margin: 30px 0;">
          <a href="{{ app_url }}/scadenze" style="background: linear-gradient(135deg, #06b6d4, #059669); color: white; padding: 12px 24px; text-decoration: none; border-radius: 8px; font-weight: bold; display: inline-block;">Visualizza Scadenziario</a>
        </div>
      </div>
    </div>
  </body>
</html>`
