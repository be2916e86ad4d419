package email

import (
	"strings"

	"github.com/paccoastponds/pondops/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.email",
	fx.Provide(NewFromConfig),
)

// NewFromConfig selects the transport named by EMAIL_PROVIDER. An unknown
// or incomplete setup yields NoOpProvider, so notifications are skipped.
func NewFromConfig(cfg config.Config, billing *config.BillingConfigHolder, log *zap.Logger) Provider {
	from := strings.TrimSpace(cfg.Email.From)
	if from == "" {
		from = billing.Get().Sender()
	}

	switch cfg.Email.Provider {
	case "resend":
		if cfg.Email.ResendAPIKey != "" {
			return NewResend(cfg.Email.ResendAPIKey, from)
		}
	case "smtp":
		if cfg.Email.SMTPHost != "" {
			return NewSMTP(Config{
				Host:     cfg.Email.SMTPHost,
				Port:     cfg.Email.SMTPPort,
				Username: cfg.Email.SMTPUsername,
				Password: cfg.Email.SMTPPassword,
				From:     from,
			})
		}
	}

	if log != nil {
		log.Warn("email provider not configured, customer notifications disabled",
			zap.String("provider", cfg.Email.Provider),
		)
	}
	return NoOpProvider{}
}
