package handlers

import "github.com/gofiber/fiber/v2"

// API groups the REST handlers mounted under /api.
type API struct {
	Threads  *ThreadHandler
	Messages *MessageHandler
	Search   *SearchHandler
}

// Mount registers the REST routes on an authenticated router.
func (a *API) Mount(r fiber.Router) {
	r.Post("/threads", a.Threads.CreateThread)
	r.Get("/threads", a.Threads.ListThreads)
	r.Post("/threads/:id/pin", a.Threads.Pin)
	r.Delete("/threads/:id/pin", a.Threads.Unpin)
	r.Get("/threads/:id/mute", a.Threads.GetMute)
	r.Post("/threads/:id/mute", a.Threads.Mute)
	r.Delete("/threads/:id/mute", a.Threads.Unmute)
	r.Post("/threads/:id/read", a.Threads.MarkThreadRead)
	r.Get("/threads/:id/messages", a.Messages.GetMessages)
	r.Post("/threads/:id/messages", a.Messages.SendMessage)

	r.Patch("/messages/:id", a.Messages.EditMessage)
	r.Delete("/messages/:id", a.Messages.DeleteMessage)
	r.Post("/messages/:id/read", a.Messages.MarkRead)

	r.Get("/search", a.Search.Search)
}
