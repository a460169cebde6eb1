// Package greeter binds the two example events of the /hello namespace: the
// server greets every new socket with "hello" and logs incoming "world" events.
package greeter

import (
	"context"

	"go.uber.org/zap"

	"github.com/Tyrowin/hellosock/internal/protocol"
	"github.com/Tyrowin/hellosock/internal/server"
)

const (
	EventHello = "hello"
	EventWorld = "world"

	// Greeting is the payload sent with every hello event.
	Greeting = "hi"
)

// Register installs the greeter on ns.
func Register(ns *server.Namespace, logger *zap.Logger) {
	ns.OnConnection(func(s *server.Socket) {
		log := logger.With(zap.String("sid", s.ID()))

		s.On(EventWorld, func(ev *protocol.Event) {
			log.Info(EventWorld, zap.Any("arg", ev.Arg(0)))
		})

		ack, err := s.EmitWithAck(EventHello, Greeting)
		if err != nil {
			log.Warn("failed to emit hello", zap.Error(err))
			return
		}

		// The ack always resolves: with the reply, or canceled on disconnect.
		go func() {
			if _, err := ack.Wait(context.Background()); err != nil {
				log.Debug("hello was not acknowledged", zap.Error(err))
				return
			}
			log.Info("received")
		}()
	})
}
