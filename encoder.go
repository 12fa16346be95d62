package mediaq

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Encoder defines the interface for task map serialization.
type Encoder interface {
	// Encode serializes a value to bytes.
	Encode(any) ([]byte, error)
	// Decode deserializes bytes to a value.
	Decode([]byte, any) error
}

// JSONEncoder is the default implementation of Encoder using JSON.
// It uses standard library for encoding and sonic for decoding.
type JSONEncoder struct{}

// Encode serializes a value to JSON using standard library.
func (*JSONEncoder) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode deserializes JSON bytes using sonic.
func (*JSONEncoder) Decode(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

// persistedMap is the on-disk shape of the task map.
type persistedMap struct {
	Version int                    `json:"version"`
	Tasks   map[string]*UploadTask `json:"tasks"`
}

const persistVersion = 1

func encodeTasks(enc Encoder, tasks map[string]*UploadTask) (string, error) {
	b, err := enc.Encode(persistedMap{Version: persistVersion, Tasks: tasks})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// decodeTasks parses a persisted map. Entries with an unknown status or no
// entity are dropped and reported through skipped.
func decodeTasks(enc Encoder, raw string) (tasks map[string]*UploadTask, skipped []string, err error) {
	var pm persistedMap
	if err := enc.Decode([]byte(raw), &pm); err != nil {
		return nil, nil, err
	}
	tasks = make(map[string]*UploadTask, len(pm.Tasks))
	for id, t := range pm.Tasks {
		if t == nil || t.EntityID == "" {
			skipped = append(skipped, id)
			continue
		}
		if _, err := ParseStatus(string(t.Status)); err != nil {
			skipped = append(skipped, id)
			continue
		}
		t.ID = id
		tasks[id] = t
	}
	return tasks, skipped, nil
}
