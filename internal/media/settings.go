package media

import (
	"time"

	"github.com/pion/webrtc/v4"

	"chatcall/internal/config"
)

type Settings struct {
	STUNServers []string

	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepAlive           time.Duration

	// PLIInterval is how often keyframes are requested for remote video. Zero disables it.
	PLIInterval time.Duration
}

func SettingsFromConfig(cfg config.MediaConfig) Settings {
	return Settings{
		STUNServers:            cfg.STUNServers,
		ICEDisconnectedTimeout: cfg.ICEDisconnectedTimeout,
		ICEFailedTimeout:       cfg.ICEFailedTimeout,
		ICEKeepAlive:           cfg.ICEKeepAlive,
		PLIInterval:            3 * time.Second,
	}
}

// configuration always carries at least one STUN server.
func (s Settings) configuration() webrtc.Configuration {
	urls := s.STUNServers
	if len(urls) == 0 {
		urls = []string{config.DefaultSTUNServer}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: urls}},
	}
}
