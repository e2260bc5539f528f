// callclient is a terminal client for exercising the call engine
// against a running relay. Run one instance as the caller and one as
// the counsellor for the same booking id.
package main

import (
	"context"
	"flag"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/CounselLine/call-engine/internal/call"
	"github.com/CounselLine/call-engine/internal/config"
	"github.com/CounselLine/call-engine/internal/media"
	"github.com/CounselLine/call-engine/internal/signal"
)

func main() {
	var (
		role    = flag.String("role", "caller", "caller or counsellor")
		booking = flag.Int("booking", 1, "booking id")
		token   = flag.String("token", "", "auth token (required)")
		video   = flag.Bool("video", false, "request camera as well as microphone")
		budget  = flag.Int("budget", 30, "call budget in minutes")
	)
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	cfg := config.Load()
	devices, api, err := media.NewDevices(logger)
	if err != nil {
		logger.Fatal("media init failed", zap.Error(err))
	}

	c := call.NewController(call.Options{
		RelayURL:    cfg.RelayURL,
		STUNServers: cfg.STUNServers,
		Channel: signal.Config{
			ConnectTimeout:       cfg.ConnectTimeout,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
			InitialBackoff:       cfg.InitialBackoff,
			PendingSendLimit:     cfg.PendingSendLimit,
		},
		API:      api,
		Acquirer: devices,
		Logger:   logger,
	})
	defer c.Close()

	states, cancelStates := c.States()
	defer cancelStates()
	go func() {
		for s := range states {
			logger.Info("call state", zap.String("state", string(s)))
		}
	}()

	ctx := context.Background()
	cons := media.Constraints{Audio: true, Video: *video}

	switch *role {
	case "caller":
		if err := c.StartCall(ctx, *booking, cons, *token, *budget); err != nil {
			logger.Fatal("start failed", zap.Error(err))
		}
	case "counsellor":
		if err := c.ListenForCalls(ctx, *booking, cons, *token, *budget); err != nil {
			logger.Fatal("listen failed", zap.Error(err))
		}
		go autoAccept(ctx, c, *booking, cons, *token, *budget, logger)
	default:
		logger.Fatal("unknown role", zap.String("role", *role))
	}

	quit := make(chan os.Signal, 1)
	ossignal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	elapsed := c.EndCall()
	logger.Info("call ended", zap.Duration("elapsed", elapsed))
}

// autoAccept answers the first incoming call for the booking.
func autoAccept(ctx context.Context, c *call.Controller, booking int, cons media.Constraints, token string, budget int, logger *zap.Logger) {
	states, cancel := c.States()
	defer cancel()
	for s := range states {
		if s != call.StateIncoming {
			continue
		}
		// Let the relay settle before answering, as a human would.
		time.Sleep(200 * time.Millisecond)
		if err := c.AcceptIncomingCall(ctx, booking, cons, token, budget); err != nil {
			logger.Error("accept failed", zap.Error(err))
		}
		return
	}
}
