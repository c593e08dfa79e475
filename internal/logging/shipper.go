package logging

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"
)

// shipRecord is the JSON shape posted to the log collector.
type shipRecord struct {
	Timestamp  string                 `json:"timestamp"`
	Level      string                 `json:"level"`
	Message    string                 `json:"message"`
	InstanceID string                 `json:"instance_id"`
	ProjectCWD string                 `json:"project_cwd"`
	Module     string                 `json:"module"`
	Extra      map[string]interface{} `json:"extra,omitempty"`
}

// shipper posts records to a local collector from a bounded queue.
// Collector-unreachable must never block the caller: the queue drops
// on overflow and send failures are swallowed.
type shipper struct {
	url   string
	queue chan shipRecord
	cwd   string
}

var activeShipper *shipper

func startShipper(url string) {
	cwd, _ := os.Getwd()
	s := &shipper{
		url:   url,
		queue: make(chan shipRecord, 1024),
		cwd:   cwd,
	}
	go s.run()
	activeShipper = s
}

func (s *shipper) run() {
	client := &http.Client{Timeout: 2 * time.Second}
	for rec := range s.queue {
		body, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		resp, err := client.Post(s.url, "application/json", bytes.NewReader(body))
		if err != nil {
			continue
		}
		resp.Body.Close()
	}
}

// ship enqueues a record for the sidechannel. No-op when disabled or full.
func ship(level log.Level, msg string, keyvals []interface{}) {
	s := activeShipper
	if s == nil {
		return
	}

	var extra map[string]interface{}
	if len(keyvals) > 1 {
		extra = make(map[string]interface{}, len(keyvals)/2)
		for i := 0; i+1 < len(keyvals); i += 2 {
			key, ok := keyvals[i].(string)
			if !ok {
				continue
			}
			extra[key] = keyvals[i+1]
		}
	}

	rec := shipRecord{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Level:      level.String(),
		Message:    msg,
		InstanceID: instanceID,
		ProjectCWD: s.cwd,
		Module:     "mcp-the-force",
		Extra:      extra,
	}

	select {
	case s.queue <- rec:
	default:
		// Queue full: drop rather than block.
	}
}
