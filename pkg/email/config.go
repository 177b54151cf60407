package email

// Config holds email delivery settings. With no Postmark tokens the app falls back to
// DevDir, and with neither, billing emails are disabled.
type Config struct {
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail          string `env:"SENDER_EMAIL" envDefault:"billing@localhost"`
	SupportEmail         string `env:"SUPPORT_EMAIL" envDefault:"support@localhost"`
	DevDir               string `env:"EMAIL_DEV_DIR"`
	AppName              string `env:"APP_NAME" envDefault:"billingsync"`
	BillingURL           string `env:"BILLING_PORTAL_URL" envDefault:"http://localhost:8080/pricing"`
}
