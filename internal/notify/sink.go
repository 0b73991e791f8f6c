// Пакет notify — приёмники доставки уведомлений о войнах.
// Приёмник получает одно готовое уведомление для одного канала
// и сообщает только успех или неудачу; порядок между каналами не гарантируется.
package notify

import (
	"context"

	"github.com/bigkaa/alliance-sync/internal/domain/model"
)

// Sink — приёмник уведомлений.
type Sink interface {
	// Deliver доставляет одно уведомление в один канал.
	Deliver(ctx context.Context, n model.Notification) error
	// Name возвращает имя приёмника для логов и метрик.
	Name() string
}
