package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/skinmarket-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса маркетплейса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/me", h.GetProfile)
			r.Put("/profile", h.UpdateProfile)
			r.Delete("/profile", h.DeleteProfile)
		})
	})

	r.Route("/api/skins", func(r chi.Router) {
		r.Get("/", h.ListSkins)
		r.Get("/{id}", h.GetSkin)
		r.Get("/{id}/comments", h.ListComments)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/", h.UploadSkin)
			r.Put("/{id}", h.UpdateSkin)
			r.Delete("/{id}", h.DeleteSkin)

			r.Post("/{id}/buy", h.BuySkin)
			r.Post("/{id}/download", h.DownloadSkin)
			r.Post("/{id}/comments", h.CreateComment)

			r.Get("/user/my-skins", h.GetMySkins)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
