package main

import (
	"context"

	"github.com/kardianos/service"

	"github.com/vstreamio/camcore/internal/servicelog"
)

// program adapts the engine's run loop to kardianos/service's
// Start/Stop contract, so the same binary runs attached to a console or
// installed as a Windows service / systemd unit.
type program struct {
	cancel context.CancelFunc
	run    func(ctx context.Context)
	logger servicelog.Logger
}

func (p *program) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.run(ctx)
	return nil
}

func (p *program) Stop(s service.Service) error {
	p.logger.Info("service stop requested")
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}

func runAsService(cfg *Config, logger servicelog.Logger, run func(ctx context.Context)) error {
	svcConfig := &service.Config{
		Name:        cfg.ServiceName,
		DisplayName: cfg.ServiceName,
		Description: "Multi-camera video ingest engine",
	}
	prg := &program{run: run, logger: logger}
	s, err := service.New(prg, svcConfig)
	if err != nil {
		return err
	}
	return s.Run()
}
