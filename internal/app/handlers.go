package app

import (
	"context"

	"github.com/gotd/td/tg"

	"telegram-sync-worker/internal/domain/ingest"
	"telegram-sync-worker/internal/infra/logger"
	"telegram-sync-worker/internal/infra/telegram/peersmgr"
	"telegram-sync-worker/internal/tgutil"
)

// updateSink принимает realtime-апдейты диспетчера и раскладывает их:
// сообщения и правки — в конвейер записи, квитанции и статусы — напрямую в
// обработчик состояния прочтения.
type updateSink struct {
	router    *ingest.Router
	peers     *peersmgr.Service
	readState *ingest.ReadState
}

func newUpdateSink(router *ingest.Router, peers *peersmgr.Service, readState *ingest.ReadState) *updateSink {
	return &updateSink{router: router, peers: peers, readState: readState}
}

// enqueueMessage нормализует сообщение апдейта и ставит его в конвейер.
// Сервисные сообщения (вступления, закрепы) пропускаются.
func (s *updateSink) enqueueMessage(ctx context.Context, e tg.Entities, mc tg.MessageClass, edit bool) error {
	msg, ok := mc.(*tg.Message)
	if !ok {
		return nil
	}
	chatID := tgutil.ChatID(msg.PeerID)
	if chatID == 0 {
		return nil
	}

	if err := s.peers.ApplyEntities(ctx, e); err != nil {
		logger.Debugf("apply update entities: %v", err)
	}

	s.router.Enqueue(ctx, ingest.Item{
		ChatID:   chatID,
		Message:  msg,
		Entities: e,
		Source:   ingest.SourceRealtime,
		Edit:     edit,
	})
	return nil
}

func (s *updateSink) OnNewMessage(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
	return s.enqueueMessage(ctx, e, u.Message, false)
}

func (s *updateSink) OnNewChannelMessage(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
	return s.enqueueMessage(ctx, e, u.Message, false)
}

func (s *updateSink) OnEditMessage(ctx context.Context, e tg.Entities, u *tg.UpdateEditMessage) error {
	return s.enqueueMessage(ctx, e, u.Message, true)
}

func (s *updateSink) OnEditChannelMessage(ctx context.Context, e tg.Entities, u *tg.UpdateEditChannelMessage) error {
	return s.enqueueMessage(ctx, e, u.Message, true)
}

func (s *updateSink) OnReadHistoryInbox(ctx context.Context, _ tg.Entities, u *tg.UpdateReadHistoryInbox) error {
	s.readState.OnReadInbox(ctx, u.Peer, u.MaxID)
	return nil
}

func (s *updateSink) OnReadChannelInbox(ctx context.Context, _ tg.Entities, u *tg.UpdateReadChannelInbox) error {
	s.readState.OnChannelReadInbox(ctx, u.ChannelID, u.MaxID)
	return nil
}

func (s *updateSink) OnDialogUnreadMark(ctx context.Context, _ tg.Entities, u *tg.UpdateDialogUnreadMark) error {
	s.readState.OnUnreadMark(ctx, u.Peer, u.Unread)
	return nil
}

func (s *updateSink) OnUserStatus(ctx context.Context, _ tg.Entities, u *tg.UpdateUserStatus) error {
	s.readState.OnUserStatus(ctx, u.UserID, u.Status)
	return nil
}
