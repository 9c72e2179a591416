package config

// Redacted returns a copy of the configuration with credential material
// blanked out, safe to log at startup.
func (c Config) Redacted() Config {
	out := c
	out.Exchange.ApiKey = redact(c.Exchange.ApiKey)
	out.Exchange.ApiSecret = redact(c.Exchange.ApiSecret)
	out.Exchange.SecretPassword = redact(c.Exchange.SecretPassword)
	out.Database.Password = redact(c.Database.Password)
	out.Database.DSN = redactIfSet(c.Database.DSN)
	out.Redis.Password = redact(c.Redis.Password)
	out.Server.APIKey = redact(c.Server.APIKey)
	out.S3.AccessKey = redact(c.S3.AccessKey)
	out.S3.SecretKey = redact(c.S3.SecretKey)
	out.Notify.TelegramToken = redact(c.Notify.TelegramToken)
	out.Notify.DiscordWebhookURL = redactIfSet(c.Notify.DiscordWebhookURL)
	return out
}

// redact keeps a short prefix so operators can tell keys apart in logs.
func redact(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 6 {
		return "***"
	}
	return s[:4] + "***"
}

func redactIfSet(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
