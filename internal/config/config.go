package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode             string        `mapstructure:"mode"`
	Port             int           `mapstructure:"port"`
	StaticPath       string        `mapstructure:"static_path"`
	ReadLimit        int64         `mapstructure:"read_limit"`
	PingPeriod       time.Duration `mapstructure:"ping_period"`
	WriteWait        time.Duration `mapstructure:"write_wait"`
	Secret           string        `mapstructure:"secret"`
	MaxRoomSize      int           `mapstructure:"max_room_size"`
	SendBuffer       int           `mapstructure:"send_buffer"`
	JoinRateLimit    int           `mapstructure:"join_rate_limit"`
	JoinRateInterval time.Duration `mapstructure:"join_rate_interval"`
}

// Peer configures the command line participant.
type Peer struct {
	ServerURL  string   `mapstructure:"server_url"`
	Room       string   `mapstructure:"room"`
	ICEServers []string `mapstructure:"ice_servers"`
	MediaKinds []string `mapstructure:"media_kinds"`
}

func newViper() (*viper.Viper, string) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("MESHCALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, fileName
}

func setServerDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("write_wait", "10s")
	v.SetDefault("secret", "meshcall-dev-secret")
	v.SetDefault("max_room_size", 4)
	v.SetDefault("send_buffer", 64)
	v.SetDefault("join_rate_limit", 5)
	v.SetDefault("join_rate_interval", "10s")
}

func setPeerDefaults(v *viper.Viper) {
	v.SetDefault("peer.server_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("peer.room", "demo")
	v.SetDefault("peer.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("peer.media_kinds", []string{"audio", "video"})
}

func readFile(v *viper.Viper, fileName string) {
	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
		return
	}
	log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
}

func Load() (*Config, error) {
	v, fileName := newViper()
	setServerDefaults(v)
	readFile(v, fileName)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("static", cfg.StaticPath).
		Int("max_room_size", cfg.MaxRoomSize).
		Msg("config")
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("port %d out of range", c.Port)
	case c.MaxRoomSize <= 0:
		return fmt.Errorf("max_room_size must be positive, got %d", c.MaxRoomSize)
	case c.PingPeriod <= 0:
		return fmt.Errorf("ping_period must be positive, got %s", c.PingPeriod)
	case c.Secret == "":
		return fmt.Errorf("secret must not be empty")
	}
	return nil
}

// LoadPeer reads the "peer" section of the config file. Flags that were set
// on the command line win over the file.
func LoadPeer(flags *pflag.FlagSet) (*Peer, error) {
	v, fileName := newViper()
	setPeerDefaults(v)
	if flags != nil {
		for _, key := range []string{"server_url", "room", "ice_servers", "media_kinds"} {
			name := strings.ReplaceAll(key, "_", "-")
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag("peer."+key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}
	readFile(v, fileName)

	// Keys are read one by one so a partial peer section keeps the defaults
	// of the keys it leaves out.
	p := Peer{
		ServerURL:  v.GetString("peer.server_url"),
		Room:       v.GetString("peer.room"),
		ICEServers: v.GetStringSlice("peer.ice_servers"),
		MediaKinds: v.GetStringSlice("peer.media_kinds"),
	}
	if p.ServerURL == "" {
		return nil, fmt.Errorf("server_url must not be empty")
	}
	return &p, nil
}
