package throttle

import (
	"time"

	"github.com/gotd/td/tgerr"
)

// FloodWait распознаёт FLOOD_WAIT-ошибки Telegram и возвращает паузу,
// предписанную сервером. Используется как WaitExtractor в циклах синхронизации.
func FloodWait(err error) (time.Duration, bool) {
	return tgerr.AsFloodWait(err)
}
