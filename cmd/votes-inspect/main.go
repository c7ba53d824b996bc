package main

import (
	"encoding/json"
	"errors"
	"flag"
	"io/fs"
	"log"
	"net/http"

	"github.com/tierd/tierd/internal/domain"
	"github.com/tierd/tierd/internal/filestore"
)

type productEntry struct {
	ProductID  string                      `json:"productId"`
	VoteCounts domain.Aggregate            `json:"voteCounts"`
	Score      int64                       `json:"score"`
	Recount    domain.Aggregate            `json:"recount"`
	Votes      map[string]domain.VoteValue `json:"votes"`
}

func main() {
	var (
		port    = flag.String("port", "9099", "port to listen on")
		data    = flag.String("data", "data/votes.json", "path to the fallback vote document")
		logReqs = flag.Bool("log", false, "enable request logging")
	)
	flag.Parse()

	if doc, err := filestore.ReadOnly(*data); err != nil {
		log.Printf("vote document unreadable: %v", err)
	} else {
		log.Printf("loaded %s: %d products, %d events", *data, len(doc.VoteCounts), len(doc.UserVotes))
	}

	mux := newMux(*data)
	var handler http.Handler = mux
	if *logReqs {
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Printf("%s %s", r.Method, r.URL.Path)
			mux.ServeHTTP(w, r)
		})
	}

	addr := ":" + *port
	log.Printf("votes-inspect listening on %s", addr)
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// newMux serves the document at path. Every request rereads the file and
// never writes it.
func newMux(path string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /document", func(w http.ResponseWriter, r *http.Request) {
		doc, err := filestore.ReadOnly(path)
		if err != nil {
			writeReadError(w, err)
			return
		}
		writeJSON(w, doc)
	})
	mux.HandleFunc("GET /products/{id}", func(w http.ResponseWriter, r *http.Request) {
		productID, err := domain.NormalizeProductID(r.PathValue("id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		doc, err := filestore.ReadOnly(path)
		if err != nil {
			writeReadError(w, err)
			return
		}
		entry, ok := inspect(doc, productID)
		if !ok {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		writeJSON(w, entry)
	})
	return mux
}

func writeReadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, filestore.ErrInvalidDocument):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// inspect collects everything the document knows about productID, including
// a recount from the raw votes so drift is visible at a glance.
func inspect(doc filestore.Document, productID string) (productEntry, bool) {
	entry := productEntry{ProductID: productID, Votes: map[string]domain.VoteValue{}}
	agg, ok := doc.VoteCounts[productID]
	entry.VoteCounts = agg
	entry.Score = agg.Score()

	for key, v := range doc.Votes {
		pid, voter, valid := domain.SplitVoteKey(key)
		if !valid || pid != productID {
			continue
		}
		ok = true
		entry.Votes[voter] = v
		entry.Recount = entry.Recount.Apply(nil, v.Ptr())
	}
	return entry, ok
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
