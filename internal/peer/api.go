package peer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pion/interceptor"
	rtpstats "github.com/pion/interceptor/pkg/stats"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

type APIOptions struct {
	MinPort    uint16
	MaxPort    uint16
	NAT1To1IPs []string
	LogLevel   string
}

// API creates publishing PeerConnections from one shared pion API and hands
// each connection the stats getter of its own interceptor chain.
type API struct {
	api *webrtc.API

	// buildMu serializes connection creation so the getter reported by the
	// stats interceptor lands with the connection being built.
	buildMu sync.Mutex
	pending rtpstats.Getter
}

// NewAPI builds the pion API every publishing PeerConnection is created from.
func NewAPI(opts APIOptions) (*API, error) {
	settingEngine := webrtc.SettingEngine{}

	factory := logging.NewDefaultLoggerFactory()
	factory.DefaultLogLevel = parseLogLevel(opts.LogLevel)
	settingEngine.LoggerFactory = factory

	if len(opts.NAT1To1IPs) > 0 {
		settingEngine.SetNAT1To1IPs(opts.NAT1To1IPs, webrtc.ICECandidateTypeHost)
	}
	if opts.MinPort != 0 && opts.MaxPort != 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(opts.MinPort, opts.MaxPort); err != nil {
			return nil, fmt.Errorf("invalid udp port range: %w", err)
		}
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	a := &API{}

	// pion's GetStats only reports inbound streams, so outbound counters
	// come from a stats interceptor we keep a handle on.
	registry := &interceptor.Registry{}
	statsFactory, err := rtpstats.NewInterceptor(rtpstats.WithLoggerFactory(factory))
	if err != nil {
		return nil, fmt.Errorf("failed to create stats interceptor: %w", err)
	}
	statsFactory.OnNewPeerConnection(func(_ string, getter rtpstats.Getter) {
		a.pending = getter
	})
	registry.Add(statsFactory)

	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	a.api = webrtc.NewAPI(
		webrtc.WithSettingEngine(settingEngine),
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)
	return a, nil
}

func (a *API) newPeerConnection(cfg webrtc.Configuration) (*webrtc.PeerConnection, rtpstats.Getter, error) {
	a.buildMu.Lock()
	defer a.buildMu.Unlock()

	a.pending = nil
	pc, err := a.api.NewPeerConnection(cfg)
	getter := a.pending
	a.pending = nil
	if err != nil {
		return nil, nil, err
	}
	return pc, getter, nil
}

func parseLogLevel(level string) logging.LogLevel {
	switch strings.ToLower(level) {
	case "disabled", "off":
		return logging.LogLevelDisabled
	case "trace":
		return logging.LogLevelTrace
	case "debug":
		return logging.LogLevelDebug
	case "info":
		return logging.LogLevelInfo
	case "warn", "warning":
		return logging.LogLevelWarn
	default:
		return logging.LogLevelError
	}
}
