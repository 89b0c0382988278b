// Command hookdump is a development webhook receiver that logs every session
// notification the server delivers.
package main

import (
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/Lordmau5/Node-Media-Server/internal/hooks"
)

type receiver struct {
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]bool // delivery ids, retries repeat them
}

func (rc *receiver) hooksHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var n hooks.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		http.Error(w, "Error decoding notification", http.StatusBadRequest)
		return
	}

	rc.mu.Lock()
	duplicate := rc.seen[n.DeliveryID]
	rc.seen[n.DeliveryID] = true
	rc.mu.Unlock()

	rc.logger.Info("Notification received",
		slog.String("delivery_id", n.DeliveryID),
		slog.Bool("duplicate", duplicate),
		slog.String("event", n.Name),
		slog.String("session_id", n.SessionID),
		slog.String("protocol", n.Protocol),
		slog.String("method", n.Method),
		slog.String("stream_path", n.StreamPath),
		slog.String("args", n.Args.Encode()),
		slog.String("publisher_id", n.PublisherID),
		slog.Time("time", n.Time),
	)

	w.WriteHeader(http.StatusNoContent)
}

func main() {
	addr := flag.String("addr", ":9000", "Listen address")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	rc := &receiver{logger: logger, seen: make(map[string]bool)}

	http.HandleFunc("/hooks", rc.hooksHandler)

	logger.Info("Webhook receiver starting",
		slog.String("address", *addr),
		slog.String("endpoint", "http://localhost"+*addr+"/hooks"),
	)

	if err := http.ListenAndServe(*addr, nil); err != nil {
		logger.Error("Server failed to start", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
