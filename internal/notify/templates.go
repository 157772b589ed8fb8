package notify

import (
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
)

// Template data keys.
const (
	KeyContactName   = "contact_name"
	KeyWorkspaceName = "workspace_name"
	KeyServiceName   = "service_name"
	KeyBookingDate   = "booking_date"
	KeyBookingTime   = "booking_time"
	KeyLocation      = "location"
	KeyFormsLink     = "forms_link"
)

// Rendered is a template expanded for one channel. Email bodies are HTML.
type Rendered struct {
	Subject string
	Body    string
}

type emailTemplate struct {
	subject *texttemplate.Template
	body    *htmltemplate.Template
}

func email(name, subject, body string) emailTemplate {
	return emailTemplate{
		subject: texttemplate.Must(texttemplate.New(name).Option("missingkey=zero").Parse(subject)),
		body:    htmltemplate.Must(htmltemplate.New(name).Option("missingkey=zero").Parse(body)),
	}
}

func sms(name, body string) *texttemplate.Template {
	return texttemplate.Must(texttemplate.New(name).Option("missingkey=zero").Parse(body))
}

var emailTemplates = map[string]emailTemplate{
	"welcome_email": email("welcome_email",
		`Welcome to {{or .workspace_name "CareOps"}}!`,
		`<h2>Thanks for reaching out!</h2>
<p>Hi {{or .contact_name "there"}},</p>
<p>We received your message and will get back to you soon.</p>
<p>Best regards,<br>{{or .workspace_name "The Team"}}</p>`),
	"booking_confirmation": email("booking_confirmation",
		`Booking Confirmation`,
		`<h2>Your appointment is confirmed!</h2>
<p>Hi {{or .contact_name "there"}},</p>
<p><strong>Service:</strong> {{.service_name}}</p>
<p><strong>Date:</strong> {{.booking_date}}</p>
<p><strong>Time:</strong> {{.booking_time}}</p>
<p><strong>Location:</strong> {{or .location "TBD"}}</p>
<p>We look forward to seeing you!</p>`),
	"booking_reminder": email("booking_reminder",
		`Appointment Reminder`,
		`<h2>Reminder: You have an appointment tomorrow</h2>
<p>Hi {{or .contact_name "there"}},</p>
<p>This is a friendly reminder about your upcoming appointment:</p>
<p><strong>Service:</strong> {{.service_name}}</p>
<p><strong>Date:</strong> {{.booking_date}}</p>
<p><strong>Time:</strong> {{.booking_time}}</p>
<p><strong>Location:</strong> {{or .location "TBD"}}</p>
<p>Please let us know if you need to reschedule.</p>`),
	"booking_forms": email("booking_forms",
		`Please complete your forms`,
		`<h2>Forms to Complete</h2>
<p>Hi {{or .contact_name "there"}},</p>
<p>Please complete the required forms before your appointment:</p>
<p><a href="{{or .forms_link "#"}}">Complete Forms</a></p>
<p>Thank you!</p>`),
}

var smsTemplates = map[string]*texttemplate.Template{
	"welcome_sms": sms("welcome_sms",
		`Hi {{or .contact_name "there"}}! Thanks for reaching out to {{or .workspace_name "us"}}. We'll get back to you soon!`),
	"booking_confirmation": sms("booking_confirmation",
		`Hi {{.contact_name}}! Your {{.service_name}} appointment on {{.booking_date}} at {{.booking_time}} is confirmed. See you then!`),
	"booking_reminder": sms("booking_reminder",
		`Reminder: You have a {{.service_name}} appointment tomorrow at {{.booking_time}}. Please let us know if you need to reschedule.`),
	"form_reminder": sms("form_reminder",
		`Hi {{.contact_name}}! Please complete your forms before your appointment: {{or .forms_link "Contact us for the link"}}`),
}

const (
	defaultEmailSubject = "Notification"
	defaultEmailBody    = "<p>You have a new notification.</p>"
	defaultSMSBody      = "You have a new notification."
)

// KnownTemplate reports whether name has a template on channel.
func KnownTemplate(channel, name string) bool {
	switch channel {
	case ChannelEmail:
		_, ok := emailTemplates[name]
		return ok
	case ChannelSMS:
		_, ok := smsTemplates[name]
		return ok
	}
	return false
}

// Render expands the named template. Unknown names fall back to a generic notification.
func Render(channel, name string, data map[string]string) (Rendered, error) {
	if data == nil {
		data = map[string]string{}
	}
	switch channel {
	case ChannelEmail:
		tpl, ok := emailTemplates[name]
		if !ok {
			return Rendered{Subject: defaultEmailSubject, Body: defaultEmailBody}, nil
		}
		var subject, body strings.Builder
		if err := tpl.subject.Execute(&subject, data); err != nil {
			return Rendered{}, err
		}
		if err := tpl.body.Execute(&body, data); err != nil {
			return Rendered{}, err
		}
		return Rendered{Subject: subject.String(), Body: body.String()}, nil
	case ChannelSMS:
		tpl, ok := smsTemplates[name]
		if !ok {
			return Rendered{Body: defaultSMSBody}, nil
		}
		var body strings.Builder
		if err := tpl.Execute(&body, data); err != nil {
			return Rendered{}, err
		}
		return Rendered{Body: TruncateSMS(body.String())}, nil
	}
	return Rendered{}, ValidateRecipient(channel, "")
}
