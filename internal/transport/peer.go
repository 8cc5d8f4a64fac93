package transport

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/duocall/internal/util"
)

// DefaultICEServers is what an agent uses when it is given no engine factory.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
}

// newAPI builds a webrtc.API with the default codecs and interceptors, and
// pion's logging routed through the project logger.
func newAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.LoggerFactory = util.PionLoggerFactory{}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}

// newPeerConnection creates a PeerConnection using the given ICE server URLs.
// An empty list gathers host candidates only.
func newPeerConnection(api *webrtc.API, iceServers []string) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		urls := append([]string(nil), iceServers...)
		config.ICEServers = []webrtc.ICEServer{{URLs: urls}}
	}
	return api.NewPeerConnection(config)
}
