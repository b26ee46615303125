package outbox

import (
	"context"
	"math/rand/v2"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"

	"telegram-sync-worker/internal/domain/repo"
	"telegram-sync-worker/internal/infra/filestore"
)

// Виды вложений исходящих сообщений.
const (
	attachPhoto = "photo"
	attachVoice = "voice"
	attachVideo = "video"
)

// Dispatcher отправляет одно исходящее сообщение в Telegram: текст либо
// медиа, выбранное по виду вложения.
type Dispatcher struct {
	api      *tg.Client
	files    *filestore.Store
	uploader *uploader.Uploader
}

// NewDispatcher создаёт отправщика поверх клиента API.
func NewDispatcher(api *tg.Client, files *filestore.Store) *Dispatcher {
	return &Dispatcher{
		api:      api,
		files:    files,
		uploader: uploader.NewUploader(api),
	}
}

// Send отправляет сообщение и возвращает upstream-идентификатор отправленного.
func (d *Dispatcher) Send(ctx context.Context, peer tg.InputPeerClass, m *repo.OutgoingMessage) (int, error) {
	replyTo := replyHeader(m)

	if m.Attachment == nil {
		updates, err := d.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
			Peer:     peer,
			Message:  m.Body,
			RandomID: rand.Int64(), // #nosec G404
			ReplyTo:  replyTo,
		})
		if err != nil {
			return 0, errors.Wrap(err, "send text")
		}
		return sentMessageID(updates)
	}

	media, caption, err := d.buildMedia(ctx, m)
	if err != nil {
		return 0, err
	}

	updates, err := d.api.MessagesSendMedia(ctx, &tg.MessagesSendMediaRequest{
		Peer:     peer,
		Media:    media,
		Message:  caption,
		RandomID: rand.Int64(), // #nosec G404
		ReplyTo:  replyTo,
	})
	if err != nil {
		return 0, errors.Wrap(err, "send media")
	}
	return sentMessageID(updates)
}

// buildMedia загружает вложение и собирает InputMedia по его виду.
// Неизвестный вид уходит документом с force_file.
func (d *Dispatcher) buildMedia(ctx context.Context, m *repo.OutgoingMessage) (tg.InputMediaClass, string, error) {
	att := m.Attachment

	data, err := d.files.Read(att.StorageKey)
	if err != nil {
		return nil, "", errors.Wrap(err, "fetch attachment")
	}

	name := att.Name
	if name == "" {
		name = att.StorageKey
	}
	file, err := d.uploader.FromBytes(ctx, name, data)
	if err != nil {
		return nil, "", errors.Wrap(err, "upload attachment")
	}

	caption := att.Caption
	if caption == "" {
		caption = m.Body
	}

	switch att.Kind {
	case attachPhoto:
		return &tg.InputMediaUploadedPhoto{File: file}, caption, nil
	case attachVoice:
		return &tg.InputMediaUploadedDocument{
			File:     file,
			MimeType: mimeOr(att.Mime, "audio/ogg"),
			Attributes: []tg.DocumentAttributeClass{
				&tg.DocumentAttributeAudio{Voice: true},
				&tg.DocumentAttributeFilename{FileName: name},
			},
		}, caption, nil
	case attachVideo:
		return &tg.InputMediaUploadedDocument{
			File:     file,
			MimeType: mimeOr(att.Mime, "video/mp4"),
			Attributes: []tg.DocumentAttributeClass{
				&tg.DocumentAttributeVideo{SupportsStreaming: true},
				&tg.DocumentAttributeFilename{FileName: name},
			},
		}, caption, nil
	default:
		return &tg.InputMediaUploadedDocument{
			ForceFile: true,
			File:      file,
			MimeType:  mimeOr(att.Mime, "application/octet-stream"),
			Attributes: []tg.DocumentAttributeClass{
				&tg.DocumentAttributeFilename{FileName: name},
			},
		}, caption, nil
	}
}

func mimeOr(mime, fallback string) string {
	if mime != "" {
		return mime
	}
	return fallback
}

// replyHeader собирает заголовок ответа, если сообщение отвечает на другое.
func replyHeader(m *repo.OutgoingMessage) tg.InputReplyToClass {
	if !m.ReplyToExternalID.Valid {
		return nil
	}
	id, err := strconv.Atoi(m.ReplyToExternalID.String)
	if err != nil || id <= 0 {
		return nil
	}
	return &tg.InputReplyToMessage{ReplyToMsgID: id}
}

// sentMessageID извлекает идентификатор отправленного сообщения из ответа API.
func sentMessageID(updates tg.UpdatesClass) (int, error) {
	switch u := updates.(type) {
	case *tg.UpdateShortSentMessage:
		return u.ID, nil
	case *tg.Updates:
		if id, ok := idFromUpdates(u.Updates); ok {
			return id, nil
		}
	case *tg.UpdatesCombined:
		if id, ok := idFromUpdates(u.Updates); ok {
			return id, nil
		}
	}
	return 0, errors.Errorf("no message id in %T", updates)
}

func idFromUpdates(list []tg.UpdateClass) (int, bool) {
	for _, upd := range list {
		switch u := upd.(type) {
		case *tg.UpdateMessageID:
			return u.ID, true
		case *tg.UpdateNewMessage:
			if msg, ok := u.Message.(*tg.Message); ok {
				return msg.ID, true
			}
		case *tg.UpdateNewChannelMessage:
			if msg, ok := u.Message.(*tg.Message); ok {
				return msg.ID, true
			}
		}
	}
	return 0, false
}
