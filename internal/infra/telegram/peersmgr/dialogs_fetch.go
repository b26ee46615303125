package peersmgr

import (
	"context"
	"errors"
	"fmt"

	"telegram-sync-worker/internal/infra/throttle"

	"github.com/gotd/td/tg"
)

const (
	dialogFetchPageLimit  = 100
	dialogFetchZeroOffset = 0
)

var errDialogsNotModified = errors.New("dialogs not modified")

// FetchDialogs выгружает до limit диалогов пользователя через MessagesGetDialogs.
// Пагинация по (offset_date, offset_id, offset_peer) с использованием заранее
// собранных access_hash; попутно применяет сущности к менеджеру пиров, чтобы
// дальнейшие резолвы не ходили в сеть. Пейсер выдерживает паузы между страницами.
func (s *Service) FetchDialogs(
	ctx context.Context,
	api *tg.Client,
	pacer *throttle.Pacer,
	limit int,
) (*tg.MessagesDialogs, error) {
	result := &tg.MessagesDialogs{}

	offsetDate := dialogFetchZeroOffset
	offsetID := dialogFetchZeroOffset
	var offsetPeer tg.InputPeerClass = &tg.InputPeerEmpty{}

	userHashes := make(map[int64]int64)
	channelHashes := make(map[int64]int64)

	for len(result.Dialogs) < limit {
		if err := pacer.Wait(ctx); err != nil {
			return nil, err
		}

		pageLimit := dialogFetchPageLimit
		if remaining := limit - len(result.Dialogs); remaining < pageLimit {
			pageLimit = remaining
		}

		resp, err := api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
			OffsetDate: offsetDate,
			OffsetID:   offsetID,
			OffsetPeer: offsetPeer,
			Limit:      pageLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("MessagesGetDialogs: %w", err)
		}

		batch, err := normalizeDialogsResponse(resp)
		if err != nil {
			if errors.Is(err, errDialogsNotModified) {
				break
			}
			return nil, err
		}

		if len(batch.Dialogs) == 0 {
			break
		}

		result.Dialogs = append(result.Dialogs, batch.Dialogs...)
		result.Messages = append(result.Messages, batch.Messages...)
		result.Chats = append(result.Chats, batch.Chats...)
		result.Users = append(result.Users, batch.Users...)

		updateHashesFromBatch(batch, userHashes, channelHashes)

		if err = s.Mgr.Apply(ctx, batch.Users, batch.Chats); err != nil {
			return nil, fmt.Errorf("apply dialog entities: %w", err)
		}

		lastDialog := batch.Dialogs[len(batch.Dialogs)-1]
		prevOffsetDate := offsetDate
		prevOffsetID := offsetID

		switch dlg := lastDialog.(type) {
		case *tg.Dialog:
			offsetID = dlg.TopMessage
			offsetDate = messageDate(batch.Messages, dlg.TopMessage)
			offsetPeer = dialogPeerToInput(dlg.Peer, userHashes, channelHashes)
		case *tg.DialogFolder:
			offsetID = dlg.TopMessage
			offsetDate = messageDate(batch.Messages, dlg.TopMessage)
			offsetPeer = dialogPeerToInput(dlg.Peer, userHashes, channelHashes)
		default:
			offsetPeer = &tg.InputPeerEmpty{}
		}

		if offsetDate == dialogFetchZeroOffset {
			offsetDate = prevOffsetDate
		}
		if offsetID == dialogFetchZeroOffset {
			offsetID = prevOffsetID
		}
		if offsetPeer == nil {
			offsetPeer = &tg.InputPeerEmpty{}
		}

		if len(batch.Dialogs) < pageLimit {
			break
		}
	}

	return result, nil
}

func normalizeDialogsResponse(resp tg.MessagesDialogsClass) (*tg.MessagesDialogs, error) {
	switch data := resp.(type) {
	case *tg.MessagesDialogs:
		return data, nil
	case *tg.MessagesDialogsSlice:
		return &tg.MessagesDialogs{
			Dialogs:  data.Dialogs,
			Messages: data.Messages,
			Chats:    data.Chats,
			Users:    data.Users,
		}, nil
	case *tg.MessagesDialogsNotModified:
		return nil, errDialogsNotModified
	default:
		return nil, fmt.Errorf("unexpected dialogs response: %T", resp)
	}
}

func updateHashesFromBatch(batch *tg.MessagesDialogs, userHashes, channelHashes map[int64]int64) {
	for _, entity := range batch.Users {
		if user, ok := entity.(*tg.User); ok {
			userHashes[user.ID] = user.AccessHash
		}
	}
	for _, entity := range batch.Chats {
		if channel, ok := entity.(*tg.Channel); ok {
			channelHashes[channel.ID] = channel.AccessHash
		}
	}
}

func messageDate(messages []tg.MessageClass, id int) int {
	for _, msg := range messages {
		switch item := msg.(type) {
		case *tg.Message:
			if item.ID == id {
				return item.Date
			}
		case *tg.MessageService:
			if item.ID == id {
				return item.Date
			}
		}
	}
	return dialogFetchZeroOffset
}

func dialogPeerToInput(peer tg.PeerClass, userHashes, channelHashes map[int64]int64) tg.InputPeerClass {
	switch entity := peer.(type) {
	case *tg.PeerUser:
		return &tg.InputPeerUser{
			UserID:     entity.UserID,
			AccessHash: userHashes[entity.UserID],
		}
	case *tg.PeerChat:
		return &tg.InputPeerChat{ChatID: entity.ChatID}
	case *tg.PeerChannel:
		return &tg.InputPeerChannel{
			ChannelID:  entity.ChannelID,
			AccessHash: channelHashes[entity.ChannelID],
		}
	default:
		return &tg.InputPeerEmpty{}
	}
}
