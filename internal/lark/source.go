package lark

import (
	"context"
	"log/slog"
	"time"

	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	"github.com/astrolane/larkbridge/internal/channel"
)

const reconnectDelay = 3 * time.Second

// InboundHandler receives each normalized inbound message. It must
// return quickly; processing happens on the dispatch queues.
type InboundHandler func(channel.InboundMessage)

// Source is the websocket event source. It keeps one long connection
// alive, reconnecting with a fixed delay until stopped.
type Source struct {
	adapter *Adapter
	logger  *slog.Logger
	handler InboundHandler
	cancel  context.CancelFunc
}

func NewSource(log *slog.Logger, adapter *Adapter, handler InboundHandler) *Source {
	if log == nil {
		log = slog.Default()
	}
	return &Source{
		adapter: adapter,
		logger:  log.With(slog.String("component", "event_source")),
		handler: handler,
	}
}

// Start connects in the background and returns immediately.
func (s *Source) Start(ctx context.Context) {
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	botOpenID := s.adapter.BotOpenID(ctx)
	s.logger.Info("bot identity", slog.String("bot_open_id", botOpenID))

	newClient := func() *larkws.Client {
		return larkws.NewClient(
			s.adapter.cfg.AppID,
			s.adapter.cfg.AppSecret,
			larkws.WithEventHandler(s.eventDispatcher(connCtx, botOpenID)),
			larkws.WithDomain(OpenBaseURL(s.adapter.cfg.Region)),
			larkws.WithLogLevel(larkcore.LogLevelWarn),
		)
	}

	go func() {
		for {
			if connCtx.Err() != nil {
				return
			}
			client := newClient()
			err := client.Start(connCtx)
			if connCtx.Err() != nil {
				return
			}
			if err != nil {
				s.logger.Error("websocket client failed", slog.Any("error", err))
			} else {
				s.logger.Warn("websocket client exited; reconnecting")
			}
			timer := time.NewTimer(reconnectDelay)
			select {
			case <-connCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()
}

// Stop tears down the connection; in-flight runs keep draining.
func (s *Source) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Source) eventDispatcher(ctx context.Context, botOpenID string) *dispatcher.EventDispatcher {
	d := dispatcher.NewEventDispatcher(
		s.adapter.cfg.VerificationToken,
		s.adapter.cfg.EncryptKey,
	)
	d.OnP2MessageReceiveV1(func(_ context.Context, event *larkim.P2MessageReceiveV1) error {
		if ctx.Err() != nil {
			return nil
		}
		msg := extractInbound(event, botOpenID)
		if msg.Text == "" && len(msg.Attachments) == 0 {
			s.logger.Debug("inbound ignored empty payload", slog.String("message_id", msg.MessageID))
			return nil
		}
		s.logger.Debug("inbound received",
			slog.String("message_id", msg.MessageID),
			slog.String("chat_kind", string(msg.ChatKind)),
			slog.Bool("mentioned", msg.Mentioned),
		)
		// Ack fast: the handler enqueues and returns.
		go s.handler(msg)
		return nil
	})
	d.OnP2MessageReadV1(func(context.Context, *larkim.P2MessageReadV1) error {
		return nil
	})
	return d
}
