package sending

import (
	"fmt"
	"strings"
)

// ConfigError reports missing or unusable provider settings.
type ConfigError struct {
	Kind string
	Key  string
	Msg  string
}

func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s provider config: %s %s", e.Kind, e.Key, e.Msg)
	}
	return fmt.Sprintf("%s provider config: %s", e.Kind, e.Msg)
}

func missing(kind, key string) error {
	return &ConfigError{Kind: kind, Key: key, Msg: "is required"}
}

// HTTPError is a non-2xx response from an HTTP mail API.
type HTTPError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, strings.TrimSpace(e.Body))
}

// first returns the first non-empty value among keys.
func first(cfg map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(cfg[k]); v != "" {
			return v
		}
	}
	return ""
}

func formatAddress(name, email string) string {
	if name == "" {
		return email
	}
	return fmt.Sprintf("%q <%s>", name, email)
}
