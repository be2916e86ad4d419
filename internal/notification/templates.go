package notification

import (
	"bytes"
	"html/template"
)

const (
	KindChargeFailed  = "charge_failed"
	KindPaymentFailed = "payment_failed"
)

var chargeFailedTmpl = template.Must(template.New(KindChargeFailed).Parse(`
<p>Hi {{.Name}},</p>
<p>We were unable to process your payment for <strong>{{.PeriodLabel}}</strong>.</p>
<p>Please <a href="{{.PortalURL}}">log in to your account</a> and update your payment method to avoid any interruption in service.</p>
<p>&mdash; {{.CompanyName}}</p>`))

var paymentFailedTmpl = template.Must(template.New(KindPaymentFailed).Parse(`
<p>Hi {{.Name}},</p>
<p>We were unable to process your monthly payment for {{.CompanyName}}.</p>
<p>Please <a href="{{.PortalURL}}">log in to your account</a> and update your payment method to avoid any interruption to your service.</p>
<p>&mdash; {{.CompanyName}}</p>`))

type templateData struct {
	Name        string
	PeriodLabel string
	CompanyName string
	PortalURL   string
}

func render(tmpl *template.Template, data templateData) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
