package service

import (
	"context"
	"fmt"

	"github.com/weiawesome/wes-io-live/broadcast-service/pkg/log"
	"github.com/weiawesome/wes-io-live/broadcast-service/pkg/pubsub"
)

func (s *broadcastService) ListenControl(ctx context.Context) error {
	if s.pubsub == nil {
		<-ctx.Done()
		return nil
	}

	eventCh, err := s.pubsub.SubscribePattern(ctx, pubsub.ChannelControlPattern)
	if err != nil {
		return fmt.Errorf("failed to subscribe to control events: %w", err)
	}

	l := log.L().With().Str(log.FieldChannel, pubsub.ChannelControlPattern).Logger()
	l.Info().Msg("listening for control events")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-eventCh:
			if !ok {
				l.Warn().Msg("control subscription closed")
				return nil
			}
			s.processControlEvent(ctx, event)
		}
	}
}

func (s *broadcastService) processControlEvent(ctx context.Context, event *pubsub.Event) {
	l := log.L().With().Str(log.FieldCommand, event.Type).Logger()

	switch event.Type {
	case pubsub.EventAddClip:
		var payload pubsub.AddClipPayload
		if err := event.UnmarshalPayload(&payload); err != nil {
			l.Error().Err(err).Msg("failed to unmarshal add clip")
			return
		}
		if err := s.AddClip(ctx, payload.URI); err != nil {
			l.Error().Err(err).Str(log.FieldClipURI, payload.URI).Msg("failed to handle add clip")
		}

	case pubsub.EventPlay, pubsub.EventPause, pubsub.EventClose:
		var payload pubsub.SessionCommandPayload
		if len(event.Payload) > 0 {
			if err := event.UnmarshalPayload(&payload); err != nil {
				l.Error().Err(err).Msg("failed to unmarshal session command")
				return
			}
		}
		sessionID := payload.SessionID
		if sessionID == "" {
			sessionID = event.SessionID
		}

		var err error
		switch event.Type {
		case pubsub.EventPlay:
			err = s.Play(ctx, sessionID)
		case pubsub.EventPause:
			err = s.Pause(ctx, sessionID)
		case pubsub.EventClose:
			err = s.CloseSession(ctx, sessionID)
		}
		if err != nil {
			l.Warn().Err(err).Str(log.FieldSessionID, sessionID).Msg("failed to handle session command")
		}

	default:
		l.Debug().Msg("ignoring unknown control event")
	}
}
