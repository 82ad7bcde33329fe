// Package tracking serves the public engagement endpoints embedded into
// outgoing email: the open-tracking pixel and one-click unsubscribe.
package tracking

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/mailing"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

type Handler struct {
	store *mailing.Store
}

func NewHandler(store *mailing.Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/t/open/{campaignID}/{contactID}", h.HandleOpen)
	r.Get("/t/click/{campaignID}/{contactID}", h.HandleClick)
	r.Get("/unsubscribe/{token}", h.HandleUnsubscribe)
	r.Get("/health", h.HandleHealth)
	return r
}

// HandleOpen records the first open for a recipient and serves the
// pixel. Malformed ids still get the pixel; this endpoint never errors
// at a mail client.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	campaignID, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		h.servePixel(w)
		return
	}
	contactID, err := uuid.Parse(chi.URLParam(r, "contactID"))
	if err != nil {
		h.servePixel(w)
		return
	}

	if err := h.store.MarkOpened(r.Context(), campaignID, contactID); err != nil {
		logger.Error("record open failed",
			"campaign_id", campaignID.String(),
			"contact_id", contactID.String(),
			"error", err.Error())
	} else {
		logger.Debug("open recorded",
			"campaign_id", campaignID.String(),
			"contact_id", contactID.String())
	}
	h.servePixel(w)
}

// HandleClick records the first click for a recipient and forwards to
// the link's original destination, passed in the url query parameter.
// Only absolute http(s) destinations are followed. Malformed ids still
// redirect; a dead tracking row must not break the recipient's link.
func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	dest := r.URL.Query().Get("url")
	u, err := url.Parse(dest)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		http.Error(w, "bad link", http.StatusBadRequest)
		return
	}

	campaignID, cerr := uuid.Parse(chi.URLParam(r, "campaignID"))
	contactID, perr := uuid.Parse(chi.URLParam(r, "contactID"))
	if cerr == nil && perr == nil {
		if err := h.store.MarkClicked(r.Context(), campaignID, contactID); err != nil {
			logger.Error("record click failed",
				"campaign_id", campaignID.String(),
				"contact_id", contactID.String(),
				"error", err.Error())
		} else {
			logger.Debug("click recorded",
				"campaign_id", campaignID.String(),
				"contact_id", contactID.String())
		}
	}
	http.Redirect(w, r, dest, http.StatusTemporaryRedirect)
}

// HandleUnsubscribe opts the token's contact out and shows a
// confirmation page. An unknown token gets a 404; a repeated click on a
// valid token is a normal confirmation.
func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	token, err := uuid.Parse(chi.URLParam(r, "token"))
	if err != nil {
		http.Error(w, "bad link", http.StatusBadRequest)
		return
	}

	found, err := h.store.UnsubscribeByToken(r.Context(), token)
	if err != nil {
		logger.Error("unsubscribe failed", "error", err.Error())
		http.Error(w, "something went wrong", http.StatusInternalServerError)
		return
	}
	if !found {
		http.NotFound(w, r)
		return
	}

	logger.Info("contact unsubscribed", "token", token.String())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(`<!DOCTYPE html><html><body style="font-family:Arial,sans-serif;text-align:center;padding:50px;">
		<h1>You have been unsubscribed</h1>
		<p>You will no longer receive emails from us.</p>
	</body></html>`))
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Write(pixelGIF)
}
