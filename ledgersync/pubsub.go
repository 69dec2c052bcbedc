package ledgersync

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/ledger_sync/config"
	"cloud.google.com/go/pubsub"
)

// Change notifications are a low-latency hint, never a source of truth: each
// one just triggers an incremental sync for the named ledger, and the pull
// model's watermark semantics do all the real work. Losing or duplicating a
// notification is therefore harmless.

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type ChangeNotification struct {
	LedgerID string `json:"ledger_id"`
	MemberID string `json:"member_id"`
	TxID     string `json:"tx_id"`
}

func changeTopicName() string {
	if v := strings.TrimSpace(os.Getenv("LEDGER_CHANGE_TOPIC")); v != "" {
		return v
	}
	return "ledger-changes"
}

// PublishChange tells other clients of the same ledger that something
// changed. Best effort; callers log and move on when it fails.
func PublishChange(ctx context.Context, note ChangeNotification) error {
	client, err := config.GetPubSubClient(ctx)
	if err != nil {
		return err
	}

	topic := client.Topic(changeTopicName())
	if envBoolDefault("LEDGER_CHANGE_CREATE_TOPIC", false) {
		topic, err = config.CreateTopicIfNotExists(client, changeTopicName())
		if err != nil {
			return err
		}
	}

	data, _ := json.Marshal(note)
	res := topic.Publish(ctx, &pubsub.Message{Data: data})
	_, err = res.Get(ctx)
	return err
}

// RunChangeListener pulls change notifications and triggers an incremental
// sync for the affected ledger. Blocks until ctx is cancelled. A sync
// failure here is logged only; the notification path is fire-and-forget by
// construction.
func RunChangeListener(ctx context.Context, manager *SessionManager, engine *Engine) error {
	subName := strings.TrimSpace(os.Getenv("LEDGER_CHANGE_SUBSCRIPTION"))
	if subName == "" {
		subName = "ledger-changes-sub"
	}

	client, err := config.GetPubSubClient(ctx)
	if err != nil {
		return err
	}

	sub := client.Subscription(subName)
	logger := config.GetLogger()

	return sub.Receive(ctx, func(msgCtx context.Context, msg *pubsub.Message) {
		defer msg.Ack()

		var note ChangeNotification
		if err := json.Unmarshal(msg.Data, &note); err != nil {
			return
		}
		if note.LedgerID == "" || note.LedgerID != manager.ActiveLedger() {
			return
		}

		syncCtx, cancel := context.WithTimeout(msgCtx, 60*time.Second)
		defer cancel()
		if _, err := engine.Sync(syncCtx, manager.Session(note.LedgerID), false); err != nil {
			config.LogError(logger, "ledgersync", "RunChangeListener", note.LedgerID, nil, err)
		}
	})
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}
