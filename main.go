package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"

	"github.com/shalom-home/hassws/internal/config"
	hassclient "github.com/shalom-home/hassws/pkg/hass-client"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	conf, err := config.LoadConfig("config.yaml")
	if err != nil {
		logger.Fatal("loading config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client, err := hassclient.Connect(ctx,
		hassclient.Config{
			Server: conf.Hass.Server,
			Token:  conf.Hass.Token,
			Secure: conf.Hass.Secure,
		},
		hassclient.Options{
			Logger:            logger,
			KeepAliveInterval: time.Duration(conf.Hass.KeepAliveSeconds) * time.Second,
			EventBuffer:       conf.Hass.EventBuffer,
			ReconnectAttempts: conf.Hass.ReconnectAttempts,
		})
	if err != nil {
		logger.Fatal("connecting websocket", zap.Error(err))
	}
	defer client.Close()

	states, err := client.GetStates(ctx)
	if err != nil {
		logger.Fatal("fetching states", zap.Error(err))
	}
	logger.Info("connected", zap.Int("entities", len(states)))

	sub := client.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if event.Type != hassclient.EventStateChanged {
				continue
			}

			var from, to struct {
				State string `json:"state"`
			}
			_ = json.Unmarshal(event.StateChange.OldState, &from)
			_ = json.Unmarshal(event.StateChange.NewState, &to)

			logger.Info("state changed",
				zap.String("entity", event.StateChange.EntityID),
				zap.String("from", from.State),
				zap.String("to", to.State))
		}
	}
}
