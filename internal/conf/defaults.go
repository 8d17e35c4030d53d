// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", "GarbageWatch-Go")
	viper.SetDefault("main.loglevel", "info")

	viper.SetDefault("backend.baseurl", "http://localhost:5000")
	viper.SetDefault("backend.realtimeurl", "ws://localhost:5000/socket")
	viper.SetDefault("backend.timeout", 30*time.Second)
	viper.SetDefault("backend.email", "")
	viper.SetDefault("backend.password", "")

	viper.SetDefault("location.provider", LocationProviderFixed)
	viper.SetDefault("location.latitude", 0.000)
	viper.SetDefault("location.longitude", 0.000)
	viper.SetDefault("location.lookupurl", "http://ip-api.com/json/")

	viper.SetDefault("geocode.enabled", true)
	viper.SetDefault("geocode.baseurl", "https://nominatim.openstreetmap.org")
	viper.SetDefault("geocode.cachettl", 24*time.Hour)
	viper.SetDefault("geocode.ratelimitms", 1100)

	viper.SetDefault("upload.previewdir", "")

	viper.SetDefault("alert.enabled", false)
	viper.SetDefault("alert.urls", []string{})
	viper.SetDefault("alert.minconfidence", 0.5)

	viper.SetDefault("dashboard.host", "0.0.0.0")
	viper.SetDefault("dashboard.port", "8080")
	viper.SetDefault("dashboard.metrics", true)

	viper.SetDefault("cache.dir", "")
}
