package core

import (
	"exochat/config"
	"exochat/internal/metrics"
	"exochat/internal/session"
	"exochat/internal/transport"
	"exochat/tunnel"
	"exochat/util"
)

// Build constructs the chat Mode from the given configuration.  cfg
// must already have passed Validate.
func Build(cfg *config.Config, logger *util.Logger) (Mode, error) {
	if _, err := util.ResolveAddr(cfg.Host, cfg.Port, cfg.NoDNS); err != nil {
		return nil, err
	}

	collector := metrics.New()
	return &ChatMode{
		Dialer: buildDialer(cfg, collector, logger),
		Host:   cfg.Host,
		Port:   cfg.Port,
		Credentials: session.Credentials{
			Username: cfg.Username,
			Password: cfg.Password,
		},
		HandshakeTimeout: cfg.HandshakeTimeout,
		LenientDecode:    cfg.LenientDecode,
		MetricsListen:    cfg.MetricsListen,
		Metrics:          collector,
		Logger:           logger,
	}, nil
}

// ── shared helpers ───────────────────────────────────────────────────

// buildDialer creates the right transport.Dialer for the given config.
func buildDialer(cfg *config.Config, collector *metrics.Collector, logger *util.Logger) transport.Dialer {
	if cfg.TunnelEnabled {
		d := transport.NewSSHDialer(&tunnel.SSHConfig{
			User:          cfg.TunnelUser,
			Host:          cfg.TunnelHost,
			Port:          cfg.TunnelPort,
			KeyPath:       cfg.SSHKeyPath,
			Passphrase:    cfg.SSHPassphrase,
			Password:      cfg.SSHSecret,
			PromptPass:    cfg.SSHPassword,
			UseAgent:      cfg.UseSSHAgent,
			StrictHostKey: cfg.StrictHostKey,
			KnownHosts:    cfg.KnownHostsPath,
			ConnTimeout:   config.DefaultSSHConnTimeout,
		}, logger)
		d.Reconnects = collector
		return d
	}

	return &transport.TCPDialer{
		Timeout:   cfg.ConnTimeout,
		LocalPort: cfg.LocalPort,
	}
}
