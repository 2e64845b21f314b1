// Package clientconfig loads the lansim client's configuration (server
// host/ports, room id, username, device name) from flags and environment,
// via viper.
package clientconfig

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the client's fully-resolved runtime configuration.
type Config struct {
	ServerHost string
	ServerUDP  int
	ServerHTTP int

	RoomID   string
	Username string
	Device   string
	Create   bool
}

// BindFlags registers the cobra/pflag flags this config understands on fs,
// so cmd/lansim-client can pass its cobra command's flag set straight through.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("server-host", "127.0.0.1", "rendezvous server hostname or IP")
	fs.Int("server-udp-port", 5000, "rendezvous server UDP port")
	fs.Int("server-http-port", 5001, "rendezvous server HTTP liveness port")
	fs.String("room", "", "room id to create or join")
	fs.String("username", "", "display name (default: Player_<process-id>)")
	fs.String("device", "lansim0", "virtual NIC device name")
	fs.Bool("create", false, "create the room instead of joining it")
}

// Load resolves Config from fs (already parsed) with LANSIM_-prefixed
// environment overrides (e.g. LANSIM_SERVER_HOST for --server-host).
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LANSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ServerHost: v.GetString("server-host"),
		ServerUDP:  v.GetInt("server-udp-port"),
		ServerHTTP: v.GetInt("server-http-port"),
		RoomID:     v.GetString("room"),
		Username:   v.GetString("username"),
		Device:     v.GetString("device"),
		Create:     v.GetBool("create"),
	}
	if cfg.RoomID == "" {
		return Config{}, fmt.Errorf("clientconfig: --room is required")
	}
	if cfg.ServerHost == "" {
		return Config{}, fmt.Errorf("clientconfig: --server-host is required")
	}
	return cfg, nil
}
