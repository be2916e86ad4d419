package config

import (
	"errors"
	"os"
	"reflect"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// BillingConfig is the customer-facing copy used on invoices and emails.
type BillingConfig struct {
	CompanyName        string `key:"company_name" validate:"required"`
	FromAddress        string `key:"from_address" validate:"required,email"`
	ServiceDescription string `key:"service_description" validate:"required"`
	PortalURL          string `key:"portal_url" validate:"omitempty,url"`
	ChargeFailedTitle  string `key:"charge_failed_subject" validate:"required"`
	PaymentFailedTitle string `key:"payment_failed_subject" validate:"required"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		CompanyName:        "Pacific Coast Ponds",
		FromAddress:        "billing@paccoastponds.com",
		ServiceDescription: "Monthly Pond Service",
		PortalURL:          "https://my.paccoastponds.com",
		ChargeFailedTitle:  "Action Required: Payment failed for",
		PaymentFailedTitle: "Action Required: Your payment could not be processed",
	}
}

// Sender renders the RFC 5322 from header, e.g. "Pacific Coast Ponds <billing@...>".
func (c BillingConfig) Sender() string {
	if c.CompanyName == "" {
		return c.FromAddress
	}
	return c.CompanyName + " <" + c.FromAddress + ">"
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

// NewStaticBillingConfigHolder returns a holder that never reloads.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewBillingConfigHolder(log *zap.Logger) (*BillingConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("billing-config")

	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	if dir := strings.TrimSpace(os.Getenv("PONDOPS_CONFIG_DIR")); dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath("/etc/pondops")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PONDOPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingConfig()
	v.SetDefault("billing.company_name", defaults.CompanyName)
	v.SetDefault("billing.from_address", defaults.FromAddress)
	v.SetDefault("billing.service_description", defaults.ServiceDescription)
	v.SetDefault("billing.portal_url", defaults.PortalURL)
	v.SetDefault("billing.charge_failed_subject", defaults.ChargeFailedTitle)
	v.SetDefault("billing.payment_failed_subject", defaults.PaymentFailedTitle)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	cfg := readBillingConfig(v)
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticBillingConfigHolder(cfg)
	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated := readBillingConfig(v)
		if err := validateBillingConfig(updated); err != nil {
			log.Warn("invalid billing config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("billing config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

// readBillingConfig resolves key by key so a partial file still inherits
// defaults for the keys it omits.
func readBillingConfig(v *viper.Viper) BillingConfig {
	return BillingConfig{
		CompanyName:        strings.TrimSpace(v.GetString("billing.company_name")),
		FromAddress:        strings.TrimSpace(v.GetString("billing.from_address")),
		ServiceDescription: strings.TrimSpace(v.GetString("billing.service_description")),
		PortalURL:          strings.TrimSpace(v.GetString("billing.portal_url")),
		ChargeFailedTitle:  strings.TrimSpace(v.GetString("billing.charge_failed_subject")),
		PaymentFailedTitle: strings.TrimSpace(v.GetString("billing.payment_failed_subject")),
	}
}

func (h *BillingConfigHolder) Get() BillingConfig {
	if h == nil {
		return DefaultBillingConfig()
	}
	return h.current.Load().(BillingConfig)
}

var billingValidator = newBillingValidator()

func newBillingValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report file keys, not Go field names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return fld.Tag.Get("key")
	})
	return v
}

func validateBillingConfig(cfg BillingConfig) error {
	err := billingValidator.Struct(cfg)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, "billing."+fe.Field()+" "+validationMessage(fe))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "cannot be empty"
	case "email":
		return "must be an email address"
	case "url":
		return "must be a URL"
	default:
		return "failed " + fe.Tag()
	}
}
