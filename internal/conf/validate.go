// conf/validate.go settings validation run after loading.
package conf

import (
	"fmt"
	"net/url"
	"strconv"
)

// ValidateSettings checks settings for values that would leave the agent
// unable to start. It returns the first problem found.
func ValidateSettings(settings *Settings) error {
	if err := validateBackendSettings(&settings.Backend); err != nil {
		return err
	}
	if err := validateLocationSettings(&settings.Location); err != nil {
		return err
	}
	if err := validateAlertSettings(&settings.Alert); err != nil {
		return err
	}
	return validateDashboardSettings(&settings.Dashboard)
}

func validateBackendSettings(backend *BackendSettings) error {
	if backend.BaseURL == "" {
		return fmt.Errorf("backend.baseurl must not be empty")
	}
	if _, err := url.Parse(backend.BaseURL); err != nil {
		return fmt.Errorf("backend.baseurl is not a valid URL: %w", err)
	}
	if backend.RealtimeURL != "" {
		u, err := url.Parse(backend.RealtimeURL)
		if err != nil {
			return fmt.Errorf("backend.realtimeurl is not a valid URL: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("backend.realtimeurl must use ws or wss scheme, got %q", u.Scheme)
		}
	}
	return nil
}

func validateLocationSettings(location *LocationSettings) error {
	switch location.Provider {
	case LocationProviderFixed, LocationProviderIP:
	default:
		return fmt.Errorf("location.provider must be %q or %q, got %q",
			LocationProviderFixed, LocationProviderIP, location.Provider)
	}
	if location.Latitude < -90 || location.Latitude > 90 {
		return fmt.Errorf("location.latitude must be between -90 and 90")
	}
	if location.Longitude < -180 || location.Longitude > 180 {
		return fmt.Errorf("location.longitude must be between -180 and 180")
	}
	return nil
}

func validateAlertSettings(alert *AlertSettings) error {
	if alert.Enabled && len(alert.URLs) == 0 {
		return fmt.Errorf("alert.urls must not be empty when alerts are enabled")
	}
	if alert.MinConfidence < 0 || alert.MinConfidence > 1 {
		return fmt.Errorf("alert.minconfidence must be between 0 and 1")
	}
	return nil
}

func validateDashboardSettings(dashboard *DashboardSettings) error {
	if dashboard.Port == "" {
		return fmt.Errorf("dashboard.port must not be empty")
	}
	port, err := strconv.Atoi(dashboard.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("dashboard.port must be a number between 1 and 65535")
	}
	return nil
}
