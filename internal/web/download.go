package web

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"

	"telegram-sync-worker/internal/infra/logger"
	"telegram-sync-worker/internal/infra/telegram/connection"
)

// PeerResolver резолвит знаковый CRM-идентификатор чата в InputPeer.
type PeerResolver interface {
	InputPeerForChat(ctx context.Context, chatID int64) (tg.InputPeerClass, error)
}

// MediaService выгружает медиа сообщений по запросу CRM.
type MediaService struct {
	api   *tg.Client
	peers PeerResolver
	dl    *downloader.Downloader
}

// NewMediaService создаёт сервис выгрузки медиа.
func NewMediaService(api *tg.Client, peers PeerResolver) *MediaService {
	return &MediaService{
		api:   api,
		peers: peers,
		dl:    downloader.NewDownloader(),
	}
}

// Serve обрабатывает GET /download?telegram_chat_id=X&telegram_message_id=Y.
// Медиа стримится клиенту с кэш-заголовком на сутки.
func (m *MediaService) Serve(w http.ResponseWriter, r *http.Request) {
	chatID, err1 := strconv.ParseInt(r.URL.Query().Get("telegram_chat_id"), 10, 64)
	msgID, err2 := strconv.Atoi(r.URL.Query().Get("telegram_message_id"))
	if err1 != nil || err2 != nil || chatID == 0 || msgID <= 0 {
		http.Error(w, "telegram_chat_id and telegram_message_id are required", http.StatusBadRequest)
		return
	}

	if !connection.Ready() {
		http.Error(w, "telegram client not ready", http.StatusServiceUnavailable)
		return
	}

	ctx := r.Context()
	peer, err := m.peers.InputPeerForChat(ctx, chatID)
	if err != nil {
		http.Error(w, "unknown chat", http.StatusNotFound)
		return
	}

	msg, err := m.fetchMessage(ctx, peer, msgID)
	if err != nil {
		logger.Warnf("download chat=%d msg=%d: %v", chatID, msgID, err)
		http.Error(w, "message not found", http.StatusNotFound)
		return
	}

	location, mime, ok := mediaLocation(msg)
	if !ok {
		http.Error(w, "message has no downloadable media", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", mime)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	if _, err = m.dl.Download(m.api, location).Stream(ctx, w); err != nil {
		// Заголовки уже ушли; остаётся только оборвать тело и залогировать.
		logger.Warnf("download stream chat=%d msg=%d: %v", chatID, msgID, err)
	}
}

// fetchMessage получает сообщение по id: для каналов и супергрупп через
// ChannelsGetMessages, для остальных чатов через MessagesGetMessages.
func (m *MediaService) fetchMessage(ctx context.Context, peer tg.InputPeerClass, msgID int) (*tg.Message, error) {
	ids := []tg.InputMessageClass{&tg.InputMessageID{ID: msgID}}

	var (
		resp tg.MessagesMessagesClass
		err  error
	)
	if channel, ok := peer.(*tg.InputPeerChannel); ok {
		resp, err = m.api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
			Channel: &tg.InputChannel{ChannelID: channel.ChannelID, AccessHash: channel.AccessHash},
			ID:      ids,
		})
	} else {
		resp, err = m.api.MessagesGetMessages(ctx, ids)
	}
	if err != nil {
		return nil, err
	}

	var list []tg.MessageClass
	switch data := resp.(type) {
	case *tg.MessagesMessages:
		list = data.Messages
	case *tg.MessagesMessagesSlice:
		list = data.Messages
	case *tg.MessagesChannelMessages:
		list = data.Messages
	}
	for _, mc := range list {
		if msg, ok := mc.(*tg.Message); ok && msg.ID == msgID {
			return msg, nil
		}
	}
	return nil, errNotFound
}

var errNotFound = &notFoundError{}

type notFoundError struct{}

func (*notFoundError) Error() string { return "message not found" }

// mediaLocation строит InputFileLocation для медиа сообщения.
func mediaLocation(msg *tg.Message) (tg.InputFileLocationClass, string, bool) {
	switch media := msg.Media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := media.Photo.(*tg.Photo)
		if !ok {
			return nil, "", false
		}
		thumb := largestPhotoSize(photo)
		if thumb == "" {
			return nil, "", false
		}
		return &tg.InputPhotoFileLocation{
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
			ThumbSize:     thumb,
		}, "image/jpeg", true
	case *tg.MessageMediaDocument:
		doc, ok := media.Document.(*tg.Document)
		if !ok {
			return nil, "", false
		}
		mime := doc.MimeType
		if mime == "" {
			mime = "application/octet-stream"
		}
		return &tg.InputDocumentFileLocation{
			ID:            doc.ID,
			AccessHash:    doc.AccessHash,
			FileReference: doc.FileReference,
		}, mime, true
	default:
		return nil, "", false
	}
}

// largestPhotoSize выбирает самый крупный доступный вариант фото.
func largestPhotoSize(photo *tg.Photo) string {
	best := ""
	bestArea := 0
	for _, sc := range photo.Sizes {
		switch size := sc.(type) {
		case *tg.PhotoSize:
			if area := size.W * size.H; area > bestArea {
				best, bestArea = size.Type, area
			}
		case *tg.PhotoSizeProgressive:
			if area := size.W * size.H; area > bestArea {
				best, bestArea = size.Type, area
			}
		}
	}
	return best
}
