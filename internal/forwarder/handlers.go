package forwarder

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Mount registers the Ollama-compatible proxy surface onto r (spec §6).
func (f *Forwarder) Mount(r chi.Router) {
	r.Post("/generate", f.handleGenerate)
	r.Post("/chat", f.handleChat)
	r.Post("/embed", f.handleEmbed)
	r.Post("/embeddings", f.handleEmbeddings)
	r.Get("/tags", f.Tags)
	r.Get("/ps", f.Ps)
	r.Post("/pull", f.Pull)
}

func (f *Forwarder) handleGenerate(w http.ResponseWriter, r *http.Request) {
	f.Dispatch(w, r, routeGenerate)
}

func (f *Forwarder) handleChat(w http.ResponseWriter, r *http.Request) {
	f.Dispatch(w, r, routeChat)
}

func (f *Forwarder) handleEmbed(w http.ResponseWriter, r *http.Request) {
	f.Dispatch(w, r, routeEmbed)
}

func (f *Forwarder) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	f.Dispatch(w, r, routeEmbeddings)
}
