// restream-bridge runs the two loopback TCP adapters that sit between the
// on-device mirroring pipeline and the host: a video packet sink that
// streams encoded frames to a single client, and a control forwarder that
// relays control-channel bytes to the downstream controller.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/modl-ai/scrcpy-restream-go/api/pkg/restream"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("restream-bridge: failed to load configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	logger.Info("starting restream-bridge")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	controller := newDialingController(cfg.ControllerAddr, logger.With("component", "controller"))
	defer controller.Close()

	videoSink := restream.NewVideoSink(cfg.VideoSinkPort, logger.With("component", "video_sink"))
	if err := videoSink.Start(); err != nil {
		logger.Error("restream-bridge: video sink failed to start", "err", err)
		os.Exit(1)
	}
	logger.Info("video sink ready", "addr", videoSink.Addr())

	controlForwarder := restream.NewControlForwarder(int(cfg.ControlPort), logger.With("component", "control_forwarder"))
	if err := controlForwarder.Start(controller); err != nil {
		logger.Error("restream-bridge: control forwarder failed to start", "err", err)
		videoSink.Stop()
		videoSink.Join()
		os.Exit(1)
	}
	logger.Info("control forwarder ready", "addr", controlForwarder.Addr())

	<-ctx.Done()
	logger.Info("restream-bridge shutting down")

	videoSink.Close()
	videoSink.Stop()
	controlForwarder.Stop()

	videoSink.Join()
	controlForwarder.Join()
	logger.Info("restream-bridge stopped")
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
