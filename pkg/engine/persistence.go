package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// queueEnvelopeVersion is bumped whenever the persisted layout changes so a
// recovering coordinator can refuse blobs it does not understand.
const queueEnvelopeVersion = 1

// queueEnvelope is the persisted form of an unflushed refresh queue for a
// prepared two-phase transaction. The primary encoding is msgpack; JSON is
// accepted on decode for operator-injected recovery blobs.
type queueEnvelope struct {
	Version    int       `json:"version" msgpack:"version"`
	Session    string    `json:"session" msgpack:"session"`
	EnqueuedAt time.Time `json:"enqueued_at" msgpack:"enqueued_at"`
	Changes    []Change  `json:"changes" msgpack:"changes"`
}

func encodeQueue(changes []Change, session string) ([]byte, error) {
	env := queueEnvelope{
		Version:    queueEnvelopeVersion,
		Session:    session,
		EnqueuedAt: time.Now().UTC(),
		Changes:    changes,
	}
	blob, err := msgpack.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding refresh queue: %w", err)
	}
	return blob, nil
}

func decodeQueue(blob []byte) (queueEnvelope, error) {
	var env queueEnvelope
	if err := msgpack.Unmarshal(blob, &env); err != nil {
		if jsonErr := json.Unmarshal(blob, &env); jsonErr != nil {
			return env, fmt.Errorf("decoding refresh queue: %w", err)
		}
	}
	if env.Version != queueEnvelopeVersion {
		return env, fmt.Errorf("unsupported refresh queue version %d", env.Version)
	}
	return env, nil
}
