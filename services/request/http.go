package request

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/httpapi"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/fault"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/trust"
)

type (
	// HTTPOptions wires the request HTTP surface.
	HTTPOptions struct {
		Service  *Service
		Services *trust.Authenticator
		// Users validates bearer tokens through the Auth service.
		Users httpapi.TokenValidator
	}

	// HTTPHandler serves the work-order endpoints.
	HTTPHandler struct {
		svc      *Service
		services *trust.Authenticator
		users    httpapi.TokenValidator
	}

	createRequest struct {
		Category    string   `json:"category"`
		Urgency     int      `json:"urgency"`
		Description string   `json:"description"`
		Address     string   `json:"address"`
		Latitude    *float64 `json:"latitude,omitempty"`
		Longitude   *float64 `json:"longitude,omitempty"`
	}

	assignRequest struct {
		ExecutorID string `json:"executor_id,omitempty"`
		AssignerID string `json:"assigner_id"`
		Reason     string `json:"reason,omitempty"`
	}

	completeRequest struct {
		Report string `json:"report"`
	}

	cancelRequest struct {
		Reason string `json:"reason"`
	}

	commentRequest struct {
		Text string `json:"text"`
	}

	ratingRequest struct {
		Rating int `json:"rating"`
	}
)

// NewHTTPHandler returns the handler.
func NewHTTPHandler(opts HTTPOptions) *HTTPHandler {
	return &HTTPHandler{svc: opts.Service, services: opts.Services, users: opts.Users}
}

// Mount attaches the request routes. User-facing endpoints require a bearer
// token; assignment and history endpoints are peer-service calls.
func (h *HTTPHandler) Mount(g chi.Router) {
	g.Group(func(r chi.Router) {
		r.Use(httpapi.UserAuth(h.users))
		r.Post("/", h.create)
		r.Get("/{number}", h.get)
		r.Post("/{number}/start", h.start)
		r.Post("/{number}/complete", h.complete)
		r.Post("/{number}/cancel", h.cancel)
		r.Post("/{number}/comments", h.comment)
		r.Post("/{number}/rating", h.rate)
	})

	g.Group(func(r chi.Router) {
		r.Use(httpapi.ServiceAuth(h.services, trust.PermAssign))
		r.Post("/{number}/assign", h.assign)
	})

	g.Group(func(r chi.Router) {
		r.Use(httpapi.ServiceAuth(h.services, trust.PermReadRequests))
		r.Get("/", h.list)
		r.Get("/{number}/assignments", h.assignments)
	})
}

func (h *HTTPHandler) create(w http.ResponseWriter, r *http.Request) {
	id, _ := httpapi.UserIdentityFrom(r.Context())
	var req createRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.Error(w, r, err)
		return
	}
	o, err := h.svc.Create(r.Context(), NewOrder{
		ApplicantID: id.UserID,
		Category:    req.Category,
		Urgency:     req.Urgency,
		Description: req.Description,
		Address:     req.Address,
		Latitude:    req.Latitude,
		Longitude:   req.Longitude,
	})
	if err != nil {
		httpapi.Error(w, r, err)
		return
	}
	httpapi.JSON(w, http.StatusCreated, o)
}

func (h *HTTPHandler) get(w http.ResponseWriter, r *http.Request) {
	o, err := h.svc.Get(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		httpapi.Error(w, r, err)
		return
	}
	httpapi.JSON(w, http.StatusOK, o)
}

func (h *HTTPHandler) list(w http.ResponseWriter, r *http.Request) {
	status := Status(r.URL.Query().Get("status"))
	if status == "" {
		httpapi.Error(w, r, fault.New(fault.KindValidation, "status query parameter is required"))
		return
	}
	orders, err := h.svc.ListByStatus(r.Context(), status)
	if err != nil {
		httpapi.Error(w, r, err)
		return
	}
	httpapi.JSON(w, http.StatusOK, orders)
}

func (h *HTTPHandler) assign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.Error(w, r, err)
		return
	}
	number := chi.URLParam(r, "number")
	var (
		rec AssignmentRecord
		err error
	)
	if req.ExecutorID == "" {
		rec, err = h.svc.AutoAssign(r.Context(), number, req.AssignerID)
	} else {
		rec, err = h.svc.ManualAssign(r.Context(), number, req.ExecutorID, req.AssignerID, req.Reason)
	}
	if err != nil {
		httpapi.Error(w, r, err)
		return
	}
	httpapi.JSON(w, http.StatusOK, rec)
}

func (h *HTTPHandler) start(w http.ResponseWriter, r *http.Request) {
	id, _ := httpapi.UserIdentityFrom(r.Context())
	o, err := h.svc.Start(r.Context(), chi.URLParam(r, "number"), id.UserID)
	if err != nil {
		httpapi.Error(w, r, err)
		return
	}
	httpapi.JSON(w, http.StatusOK, o)
}

func (h *HTTPHandler) complete(w http.ResponseWriter, r *http.Request) {
	id, _ := httpapi.UserIdentityFrom(r.Context())
	var req completeRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.Error(w, r, err)
		return
	}
	o, err := h.svc.Complete(r.Context(), chi.URLParam(r, "number"), id.UserID, req.Report)
	if err != nil {
		httpapi.Error(w, r, err)
		return
	}
	httpapi.JSON(w, http.StatusOK, o)
}

func (h *HTTPHandler) cancel(w http.ResponseWriter, r *http.Request) {
	id, _ := httpapi.UserIdentityFrom(r.Context())
	var req cancelRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.Error(w, r, err)
		return
	}
	o, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "number"), id.UserID, req.Reason)
	if err != nil {
		httpapi.Error(w, r, err)
		return
	}
	httpapi.JSON(w, http.StatusOK, o)
}

func (h *HTTPHandler) comment(w http.ResponseWriter, r *http.Request) {
	id, _ := httpapi.UserIdentityFrom(r.Context())
	var req commentRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.Error(w, r, err)
		return
	}
	o, err := h.svc.AddComment(r.Context(), chi.URLParam(r, "number"), id.UserID, req.Text)
	if err != nil {
		httpapi.Error(w, r, err)
		return
	}
	httpapi.JSON(w, http.StatusOK, o)
}

func (h *HTTPHandler) rate(w http.ResponseWriter, r *http.Request) {
	id, _ := httpapi.UserIdentityFrom(r.Context())
	var req ratingRequest
	if err := httpapi.Decode(r, &req); err != nil {
		httpapi.Error(w, r, err)
		return
	}
	o, err := h.svc.Rate(r.Context(), chi.URLParam(r, "number"), id.UserID, req.Rating)
	if err != nil {
		httpapi.Error(w, r, err)
		return
	}
	httpapi.JSON(w, http.StatusOK, o)
}

func (h *HTTPHandler) assignments(w http.ResponseWriter, r *http.Request) {
	recs, err := h.svc.Assignments(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		httpapi.Error(w, r, err)
		return
	}
	httpapi.JSON(w, http.StatusOK, recs)
}
