package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/asr"
	"voicegate-server/pkg/config"
	"voicegate-server/pkg/control"
	"voicegate-server/pkg/dialogue"
	"voicegate-server/pkg/esl"
	"voicegate-server/pkg/gateway"
	"voicegate-server/pkg/httpsrv"
	"voicegate-server/pkg/messaging"
	"voicegate-server/pkg/metrics"
	"voicegate-server/pkg/rtp"
	"voicegate-server/pkg/tts"
)

var (
	logger    = logrus.New()
	appConfig *config.Config

	rootCtx    context.Context
	rootCancel context.CancelFunc

	flows      *dialogue.Registry
	providers  *asr.ProviderManager
	synth      tts.Synthesizer
	publisher  *messaging.Publisher
	pbxClient  *esl.Client
	gw         *gateway.Gateway
	listener   *rtp.Listener
	wsServer   *control.WSServer
	unixServer *control.UnixServer
	upstream   *control.UpstreamClient
	httpServer *httpsrv.Server
)

func main() {
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetOutput(os.Stdout)

	rootCtx, rootCancel = context.WithCancel(context.Background())
	defer rootCancel()

	if err := initialize(); err != nil {
		logger.WithError(err).Fatal("Failed to initialize application")
	}

	go func() {
		if err := listener.Run(rootCtx); err != nil {
			logger.WithError(err).Error("RTP listener stopped")
			rootCancel()
		}
	}()
	gw.Start(rootCtx)

	logger.Info("voicegate is running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	// SIGHUP re-reads the flow directory. Live calls pick the new
	// definitions up at their next turn boundary.
	reloadChan := make(chan os.Signal, 1)
	signal.Notify(reloadChan, syscall.SIGHUP)
	go func() {
		for range reloadChan {
			logger.Info("Received SIGHUP, reloading flow definitions")
			if err := flows.LoadAll(); err != nil {
				logger.WithError(err).Error("Flow reload failed, keeping previous definitions")
			}
		}
	}()

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Received shutdown signal, cleaning up...")
	case <-rootCtx.Done():
		logger.Info("Root context cancelled, cleaning up...")
	}

	shutdown()
}

func initialize() error {
	var err error
	appConfig, err = config.Load(logger)
	if err != nil {
		return err
	}
	appConfig.ConfigureLogger(logger)

	if appConfig.HTTP.Enabled {
		metrics.Init(logger)
	} else {
		metrics.EnableMetrics(false)
	}

	flows = dialogue.NewRegistry(logger, appConfig.Dialogue.FlowDir)
	if err := flows.LoadAll(); err != nil {
		return err
	}

	if err := initializeASR(); err != nil {
		return err
	}
	initializeTTS()

	publisher = messaging.NewPublisher(logger, &appConfig.Messaging)

	if appConfig.Control.ESLEnabled {
		pbxClient = esl.NewClient(logger, &appConfig.Control)
	}

	gw = gateway.New(logger, appConfig, flows, providers, synth, publisher, pbxClient)

	if pbxClient != nil {
		pbxClient.SetHandler(gw.HandleESLEvent)
		if err := pbxClient.Connect(rootCtx); err != nil {
			// The PBX may come up after us; readiness reports the gap.
			logger.WithError(err).Warn("FreeSWITCH event socket unavailable at startup")
		}
	}

	listener, err = rtp.NewListener(logger, &appConfig.Network, gw.Demux())
	if err != nil {
		return err
	}
	gw.AttachMedia(listener.Conn())

	if err := initializeControlPlane(); err != nil {
		return err
	}

	if appConfig.HTTP.Enabled {
		httpServer = httpsrv.NewServer(logger, &appConfig.HTTP, gw)
		if err := httpServer.Start(); err != nil {
			return err
		}
	}

	return nil
}

func initializeASR() error {
	providers = asr.NewProviderManager(logger, appConfig.ASR.DefaultProvider)

	if err := providers.Register(asr.NewMockProvider()); err != nil {
		return err
	}

	if appConfig.ASR.Google.Enabled {
		if err := providers.Register(asr.NewGoogleProvider(logger, &appConfig.ASR)); err != nil {
			logger.WithError(err).Error("Failed to register Google ASR provider")
		}
	}
	if appConfig.ASR.Amazon.Enabled {
		if err := providers.Register(asr.NewAmazonProvider(logger, &appConfig.ASR)); err != nil {
			logger.WithError(err).Error("Failed to register Amazon ASR provider")
		}
	}

	return nil
}

func initializeTTS() {
	if appConfig.TTS.Endpoint == "" {
		logger.Warn("No TTS endpoint configured, using the mock synthesizer")
		synth = tts.NewMockSynthesizer()
		return
	}

	httpSynth, err := tts.NewHTTPSynthesizer(logger, &appConfig.TTS)
	if err != nil {
		logger.WithError(err).Warn("TTS endpoint rejected, using the mock synthesizer")
		synth = tts.NewMockSynthesizer()
		return
	}
	synth = httpSynth
}

func initializeControlPlane() error {
	wsServer = control.NewWSServer(logger, &appConfig.Control, gw.HandleControl)
	if err := wsServer.Start(); err != nil {
		return err
	}

	unixServer = control.NewUnixServer(logger, appConfig.Control.UnixSocketPath, gw.HandleControl)
	if err := unixServer.Start(); err != nil {
		return err
	}

	if appConfig.Control.UpstreamWSURL != "" {
		upstream = control.NewUpstreamClient(logger, appConfig.Control.UpstreamWSURL, gw.HandleControl)
		go upstream.Run(rootCtx)
	}

	return nil
}

func shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	rootCancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Error shutting down HTTP server")
		}
	}
	if wsServer != nil {
		if err := wsServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Error shutting down control WebSocket server")
		}
	}
	if unixServer != nil {
		if err := unixServer.Close(); err != nil {
			logger.WithError(err).Error("Error closing control unix socket")
		}
	}

	gw.Shutdown()

	if pbxClient != nil {
		pbxClient.Close()
	}
	if publisher != nil {
		publisher.Close()
	}

	logger.Info("Shutdown complete")
}
