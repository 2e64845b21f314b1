// Package serverconfig loads the rendezvous server's configuration from
// environment variables, via viper: UDP_PORT, FLASK_PORT (kept for
// operational compatibility with the original Flask-based deployment;
// HTTP_PORT is accepted as an alias), PUBLIC_IP.
package serverconfig

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Config is the server's fully-resolved runtime configuration.
type Config struct {
	UDPPort  int
	HTTPPort int
	PublicIP string
}

// Load reads configuration from the process environment, applying the
// reference defaults (UDP 5000, HTTP 5001) when unset.
func Load() (Config, error) {
	v := viper.New()
	_ = v.BindEnv("UDP_PORT")
	_ = v.BindEnv("FLASK_PORT")
	_ = v.BindEnv("HTTP_PORT")
	_ = v.BindEnv("PUBLIC_IP")
	v.SetDefault("UDP_PORT", 5000)
	v.SetDefault("FLASK_PORT", 5001)
	v.SetDefault("PUBLIC_IP", "")

	httpPort := v.GetInt("FLASK_PORT")
	if _, ok := os.LookupEnv("HTTP_PORT"); ok {
		httpPort = v.GetInt("HTTP_PORT")
	}

	cfg := Config{
		UDPPort:  v.GetInt("UDP_PORT"),
		HTTPPort: httpPort,
		PublicIP: v.GetString("PUBLIC_IP"),
	}
	if cfg.UDPPort <= 0 || cfg.UDPPort > 65535 {
		return Config{}, fmt.Errorf("serverconfig: invalid UDP_PORT %d", cfg.UDPPort)
	}
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		return Config{}, fmt.Errorf("serverconfig: invalid HTTP/FLASK port %d", cfg.HTTPPort)
	}
	return cfg, nil
}
