package webevents

import (
	"context"
	"encoding/json"
	stdlog "log"
	"net/http"

	gosse "github.com/alexandrevicenzi/go-sse"
	"github.com/diwise/locker-mgmt/internal/pkg/infrastructure/logging"
	"github.com/diwise/messaging-golang/pkg/messaging"
)

// WebEvents streams every published domain event to connected browsers as
// server sent events before handing it on to the message bus.
type WebEvents interface {
	messaging.MsgContext
	http.Handler
	Shutdown()
}

type webEvents struct {
	messaging.MsgContext
	s *gosse.Server
}

func New(ctx context.Context, next messaging.MsgContext) WebEvents {
	log := logging.GetLoggerFromContext(ctx).With().Str("component", "webevents").Logger()

	return &webEvents{
		MsgContext: next,
		s: gosse.NewServer(&gosse.Options{
			Logger: stdlog.New(log, "", 0),
		}),
	}
}

func (we *webEvents) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	we.s.ServeHTTP(w, r)
}

func (we *webEvents) PublishOnTopic(ctx context.Context, message messaging.TopicMessage) error {
	b, err := json.Marshal(message)
	if err != nil {
		return err
	}

	we.s.SendMessage("", gosse.NewMessage("", string(b), message.TopicName()))

	return we.MsgContext.PublishOnTopic(ctx, message)
}

func (we *webEvents) Shutdown() {
	we.s.Shutdown()
}
