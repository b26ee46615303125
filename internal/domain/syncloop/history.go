// Package syncloop — фоновые циклы сходимости: активный опрос, полный догон,
// обнаружение диалогов и стартовое лечение пустых бесед. Realtime-поток
// считается оптимизацией; именно эти циклы гарантируют, что база догонит
// upstream даже после тихой деградации событий.
package syncloop

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"telegram-sync-worker/internal/domain/ingest"
	"telegram-sync-worker/internal/domain/repo"
	"telegram-sync-worker/internal/infra/telegram/connection"
	"telegram-sync-worker/internal/infra/throttle"
	"telegram-sync-worker/internal/tgutil"
)

// ErrChatInaccessible — чат недоступен аккаунту (выгнали, канал закрылся,
// peer протух). Циклы пропускают такие беседы без продвижения чекпоинта.
var ErrChatInaccessible = errors.New("chat inaccessible")

// accessDeniedTypes — RPC-ошибки, означающие потерю доступа к чату.
var accessDeniedTypes = []string{"CHANNEL_PRIVATE", "CHAT_ADMIN_REQUIRED", "PEER_ID_INVALID"}

// HistoryFetcher выгружает историю одной беседы после чекпоинта и ставит
// сообщения в общий конвейер.
type HistoryFetcher struct {
	api    *tg.Client
	peers  PeerResolver
	router *ingest.Router
	pacer  *throttle.Pacer
}

// PeerResolver резолвит знаковый CRM-идентификатор чата в InputPeer.
type PeerResolver interface {
	InputPeerForChat(ctx context.Context, chatID int64) (tg.InputPeerClass, error)
}

// NewHistoryFetcher создаёт загрузчик истории.
func NewHistoryFetcher(api *tg.Client, peers PeerResolver, router *ingest.Router, pacer *throttle.Pacer) *HistoryFetcher {
	return &HistoryFetcher{api: api, peers: peers, router: router, pacer: pacer}
}

// SyncConversation запрашивает до limit сообщений новее чекпоинта беседы и
// ставит их в очередь в хронологическом порядке. Возвращает число
// поставленных сообщений. Недоступность чата транслируется в
// ErrChatInaccessible; FLOOD_WAIT отрабатывает пейсер, не продвигая чекпоинт.
func (f *HistoryFetcher) SyncConversation(ctx context.Context, ref repo.ConversationRef, limit int, sourceTag string) (int, error) {
	// При потере связи ждём восстановления вместо серии заведомо провальных
	// запросов по всем беседам.
	connection.WaitOnline(ctx)
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	peer, err := f.peers.InputPeerForChat(ctx, ref.ChatID)
	if err != nil {
		return 0, errors.Wrap(ErrChatInaccessible, err.Error())
	}

	var resp tg.MessagesMessagesClass
	err = f.pacer.Do(ctx, func() error {
		var callErr error
		resp, callErr = f.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:  peer,
			MinID: int(ref.LastSyncedID),
			Limit: limit,
		})
		return callErr
	})
	if err != nil {
		if tgerr.Is(err, accessDeniedTypes...) {
			return 0, errors.Wrap(ErrChatInaccessible, err.Error())
		}
		connection.HandleError(err)
		return 0, errors.Wrap(err, "MessagesGetHistory")
	}

	batch, err := normalizeHistoryResponse(resp)
	if err != nil || batch == nil {
		return 0, err
	}

	entities := tgutil.EntitiesFromLists(batch.Users, batch.Chats)

	// История приходит от новых к старым; записываем в хронологическом порядке.
	enqueued := 0
	for i := len(batch.Messages) - 1; i >= 0; i-- {
		msg, ok := batch.Messages[i].(*tg.Message)
		if !ok {
			continue
		}
		if f.router.Enqueue(ctx, ingest.Item{
			ChatID:   ref.ChatID,
			Message:  msg,
			Entities: entities,
			Source:   sourceTag,
		}) {
			enqueued++
		}
	}
	return enqueued, nil
}

// normalizeHistoryResponse приводит варианты ответа MessagesGetHistory к
// единому виду. nil без ошибки означает «ничего нового».
func normalizeHistoryResponse(resp tg.MessagesMessagesClass) (*tg.MessagesMessages, error) {
	switch data := resp.(type) {
	case *tg.MessagesMessages:
		return data, nil
	case *tg.MessagesMessagesSlice:
		return &tg.MessagesMessages{
			Messages: data.Messages,
			Chats:    data.Chats,
			Users:    data.Users,
		}, nil
	case *tg.MessagesChannelMessages:
		return &tg.MessagesMessages{
			Messages: data.Messages,
			Chats:    data.Chats,
			Users:    data.Users,
		}, nil
	case *tg.MessagesMessagesNotModified:
		return nil, nil
	default:
		return nil, errors.Errorf("unexpected history response: %T", resp)
	}
}
