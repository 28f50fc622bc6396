package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/diwise/locker-mgmt/internal/pkg/application/assignments"
	"github.com/diwise/locker-mgmt/internal/pkg/application/inventory"
	"github.com/diwise/locker-mgmt/internal/pkg/application/sessions"
	"github.com/diwise/locker-mgmt/internal/pkg/infrastructure/logging"
	"github.com/diwise/locker-mgmt/internal/pkg/infrastructure/metrics"
	"github.com/diwise/locker-mgmt/internal/pkg/infrastructure/tracing"
	"github.com/diwise/locker-mgmt/internal/pkg/presentation/api/auth"
	"github.com/diwise/locker-mgmt/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("locker-mgmt/api")

type Services struct {
	Inventory   inventory.Inventory
	Assignments assignments.AssignmentService
	Sessions    sessions.Tracker
	Events      http.Handler
}

func RegisterHandlers(ctx context.Context, router *chi.Mux, tokenAuth *jwtauth.JWTAuth, profiles auth.ProfileFinder, svc Services) *chi.Mux {
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	router.Handle("/metrics", metrics.Handler())

	log := logging.GetLoggerFromContext(ctx)

	router.Route("/api/v0", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireCaller(tokenAuth, profiles))

			if svc.Events != nil {
				r.Get("/events", svc.Events.ServeHTTP)
			}

			r.Route("/clients", func(r chi.Router) {
				r.Get("/", queryClientsHandler(log, svc.Inventory))
				r.Post("/", createClientHandler(log, svc.Inventory))
				r.Get("/{clientID}", getClientHandler(log, svc.Inventory))
				r.Put("/{clientID}", updateClientHandler(log, svc.Inventory))
				r.Get("/{clientID}/users", queryClientUsersHandler(log, svc.Inventory))
			})

			r.Route("/users", func(r chi.Router) {
				r.Post("/", createClientUserHandler(log, svc.Inventory))
				r.Get("/{userID}", getClientUserHandler(log, svc.Inventory))
				r.Put("/{userID}", updateClientUserHandler(log, svc.Inventory))
				r.Delete("/{userID}", deleteClientUserHandler(log, svc.Assignments))
				r.Put("/{userID}/credentials/{method}", setCredentialHandler(log, svc.Inventory))
				r.Post("/{userID}/credentials/{method}/verify", verifyCredentialHandler(log, svc.Inventory))
			})

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", queryDevicesHandler(log, svc.Inventory))
				r.Post("/", createDeviceHandler(log, svc.Inventory))
				r.Get("/{deviceID}", getDeviceHandler(log, svc.Inventory))
			})

			r.Route("/lockers", func(r chi.Router) {
				r.Get("/", queryLockersHandler(log, svc.Inventory))
				r.Post("/", createLockerHandler(log, svc.Inventory))
				r.Get("/{lockerID}", getLockerHandler(log, svc.Inventory))
				r.Delete("/{lockerID}", deleteLockerHandler(log, svc.Inventory))
				r.Put("/{lockerID}/status", setLockerStatusHandler(log, svc.Inventory))
				r.Put("/{lockerID}/device", assignDeviceHandler(log, svc.Assignments))
				r.Delete("/{lockerID}/device", unassignDeviceHandler(log, svc.Assignments))
				r.Put("/{lockerID}/client", assignClientHandler(log, svc.Assignments))
				r.Delete("/{lockerID}/client", releaseClientHandler(log, svc.Assignments))
			})

			r.Route("/doors", func(r chi.Router) {
				r.Get("/{doorID}", getDoorHandler(log, svc.Inventory))
				r.Put("/{doorID}/user", assignDoorHandler(log, svc.Assignments))
				r.Delete("/{doorID}/user", unassignDoorHandler(log, svc.Assignments))
			})

			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", querySessionsHandler(log, svc.Sessions))
				r.Get("/overdue", overdueSessionsHandler(log, svc.Sessions))
				r.Get("/{sessionID}", getSessionHandler(log, svc.Sessions))
				r.Post("/{sessionID}/end", endSessionHandler(log, svc.Sessions))
			})
		})
	})

	return router
}

type errorResponse struct {
	Error   string   `json:"error"`
	IDs     []string `json:"ids,omitempty"`
	Message string   `json:"message"`
}

func statusFromError(err error) int {
	switch types.Kind(err) {
	case types.ErrNotFound:
		return http.StatusNotFound
	case types.ErrValidation:
		return http.StatusBadRequest
	case types.ErrForbidden:
		return http.StatusForbidden
	case types.ErrInvalidStatusTransition:
		return http.StatusUnprocessableEntity
	case types.ErrAlreadyAssigned, types.ErrNotAssigned, types.ErrDoorUnavailable, types.ErrDoorNotAssigned,
		types.ErrUserAlreadyAssigned, types.ErrHasActiveAssignment, types.ErrSessionAlreadyActive,
		types.ErrSessionNotActive, types.ErrClockSkew:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	code := statusFromError(err)

	if code == http.StatusInternalServerError {
		logger.Error().Err(err).Msg("request failed")
	} else {
		logger.Info().Err(err).Msg("request rejected")
	}

	writeJSON(w, code, errorResponse{
		Error:   types.Code(err),
		IDs:     types.IDs(err),
		Message: err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	b, err := json.Marshal(body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(b)
}

func readJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return types.NewValidationError("unable to read body")
	}

	if err = json.Unmarshal(body, v); err != nil {
		return types.NewValidationError("unable to unmarshal body: " + err.Error())
	}

	return nil
}

func startSpan(r *http.Request, log zerolog.Logger, name string) (context.Context, trace.Span, zerolog.Logger) {
	ctx, span := tracer.Start(r.Context(), name)
	_, ctx, requestLogger := logging.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)
	return ctx, span, requestLogger
}

func paging(r *http.Request) (int, int, error) {
	offset, limit := 0, 0
	var err error

	if o := r.URL.Query().Get("offset"); o != "" {
		if offset, err = strconv.Atoi(o); err != nil || offset < 0 {
			return 0, 0, types.NewValidationError("offset must be a non negative integer")
		}
	}

	if l := r.URL.Query().Get("limit"); l != "" {
		if limit, err = strconv.Atoi(l); err != nil || limit < 0 {
			return 0, 0, types.NewValidationError("limit must be a non negative integer")
		}
	}

	return offset, limit, nil
}

func optionalBool(r *http.Request, name string) (*bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, types.NewValidationError(name + " must be true or false")
	}

	return &b, nil
}

func queryClientsHandler(log zerolog.Logger, svc inventory.Inventory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span, requestLogger := startSpan(r, log, "query-clients")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		offset, limit, err := paging(r)
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		result, err := svc.QueryClients(ctx, auth.CallerFromContext(ctx), offset, limit)
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		writeJSON(w, http.StatusOK, result)
	}
}

func createClientHandler(log zerolog.Logger, svc inventory.Inventory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span, requestLogger := startSpan(r, log, "create-client")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		var c types.Client
		if err = readJSON(r, &c); err != nil {
			writeError(w, requestLogger, err)
			return
		}

		c, err = svc.CreateClient(ctx, auth.CallerFromContext(ctx), c)
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		writeJSON(w, http.StatusCreated, c)
	}
}

func getClientHandler(log zerolog.Logger, svc inventory.Inventory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span, requestLogger := startSpan(r, log, "get-client")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		c, err := svc.GetClient(ctx, auth.CallerFromContext(ctx), chi.URLParam(r, "clientID"))
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		writeJSON(w, http.StatusOK, c)
	}
}

func updateClientHandler(log zerolog.Logger, svc inventory.Inventory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span, requestLogger := startSpan(r, log, "update-client")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		var c types.Client
		if err = readJSON(r, &c); err != nil {
			writeError(w, requestLogger, err)
			return
		}
		c.ID = chi.URLParam(r, "clientID")

		c, err = svc.UpdateClient(ctx, auth.CallerFromContext(ctx), c)
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		writeJSON(w, http.StatusOK, c)
	}
}

func queryClientUsersHandler(log zerolog.Logger, svc inventory.Inventory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span, requestLogger := startSpan(r, log, "query-client-users")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		offset, limit, err := paging(r)
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		result, err := svc.QueryClientUsers(ctx, auth.CallerFromContext(ctx), chi.URLParam(r, "clientID"), offset, limit)
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		writeJSON(w, http.StatusOK, result)
	}
}

func createClientUserHandler(log zerolog.Logger, svc inventory.Inventory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span, requestLogger := startSpan(r, log, "create-client-user")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		var u types.ClientUser
		if err = readJSON(r, &u); err != nil {
			writeError(w, requestLogger, err)
			return
		}

		u, err = svc.CreateClientUser(ctx, auth.CallerFromContext(ctx), u)
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		writeJSON(w, http.StatusCreated, u)
	}
}

func getClientUserHandler(log zerolog.Logger, svc inventory.Inventory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span, requestLogger := startSpan(r, log, "get-client-user")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		u, err := svc.GetClientUser(ctx, auth.CallerFromContext(ctx), chi.URLParam(r, "userID"))
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		writeJSON(w, http.StatusOK, u)
	}
}

func updateClientUserHandler(log zerolog.Logger, svc inventory.Inventory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span, requestLogger := startSpan(r, log, "update-client-user")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		var u types.ClientUser
		if err = readJSON(r, &u); err != nil {
			writeError(w, requestLogger, err)
			return
		}

		u, err = svc.UpdateClientUser(ctx, auth.CallerFromContext(ctx), chi.URLParam(r, "userID"), u)
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		writeJSON(w, http.StatusOK, u)
	}
}

func deleteClientUserHandler(log zerolog.Logger, svc assignments.AssignmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span, requestLogger := startSpan(r, log, "delete-client-user")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		userID := chi.URLParam(r, "userID")
		requestLogger = requestLogger.With().Str("user_id", userID).Logger()

		err = svc.DeleteClientUser(ctx, auth.CallerFromContext(ctx), userID)
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

type credentialRequest struct {
	Secret string `json:"secret"`
}

func setCredentialHandler(log zerolog.Logger, svc inventory.Inventory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span, requestLogger := startSpan(r, log, "set-credential")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		var req credentialRequest
		if err = readJSON(r, &req); err != nil {
			writeError(w, requestLogger, err)
			return
		}

		c, err := svc.SetCredential(ctx, auth.CallerFromContext(ctx), chi.URLParam(r, "userID"), chi.URLParam(r, "method"), req.Secret)
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		writeJSON(w, http.StatusOK, c)
	}
}

func verifyCredentialHandler(log zerolog.Logger, svc inventory.Inventory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span, requestLogger := startSpan(r, log, "verify-credential")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		var req credentialRequest
		if err = readJSON(r, &req); err != nil {
			writeError(w, requestLogger, err)
			return
		}

		ok, err := svc.VerifyCredential(ctx, auth.CallerFromContext(ctx), chi.URLParam(r, "userID"), chi.URLParam(r, "method"), req.Secret)
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]bool{"valid": ok})
	}
}

func queryDevicesHandler(log zerolog.Logger, svc inventory.Inventory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span, requestLogger := startSpan(r, log, "query-devices")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		q := inventory.DeviceQuery{}

		if q.Offset, q.Limit, err = paging(r); err != nil {
			writeError(w, requestLogger, err)
			return
		}

		if q.Linked, err = optionalBool(r, "linked"); err != nil {
			writeError(w, requestLogger, err)
			return
		}

		result, err := svc.QueryDevices(ctx, auth.CallerFromContext(ctx), q)
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		writeJSON(w, http.StatusOK, result)
	}
}

func createDeviceHandler(log zerolog.Logger, svc inventory.Inventory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span, requestLogger := startSpan(r, log, "create-device")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		var d types.Device
		if err = readJSON(r, &d); err != nil {
			writeError(w, requestLogger, err)
			return
		}

		d, err = svc.CreateDevice(ctx, auth.CallerFromContext(ctx), d)
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		writeJSON(w, http.StatusCreated, d)
	}
}

func getDeviceHandler(log zerolog.Logger, svc inventory.Inventory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span, requestLogger := startSpan(r, log, "get-device")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		d, err := svc.GetDevice(ctx, auth.CallerFromContext(ctx), chi.URLParam(r, "deviceID"))
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		writeJSON(w, http.StatusOK, d)
	}
}

func queryLockersHandler(log zerolog.Logger, svc inventory.Inventory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span, requestLogger := startSpan(r, log, "query-lockers")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		q := inventory.LockerQuery{
			ClientID: r.URL.Query().Get("clientID"),
		}

		if q.Offset, q.Limit, err = paging(r); err != nil {
			writeError(w, requestLogger, err)
			return
		}

		if s := r.URL.Query().Get("status"); s != "" {
			for _, status := range strings.Split(s, ",") {
				q.Statuses = append(q.Statuses, types.LockerStatus(strings.TrimSpace(status)))
			}
		}

		ready, err := optionalBool(r, "dispatchReady")
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}
		q.DispatchReady = ready != nil && *ready

		result, err := svc.QueryLockers(ctx, auth.CallerFromContext(ctx), q)
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		writeJSON(w, http.StatusOK, result)
	}
}

func createLockerHandler(log zerolog.Logger, svc inventory.Inventory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span, requestLogger := startSpan(r, log, "create-locker")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		var req inventory.NewLocker
		if err = readJSON(r, &req); err != nil {
			writeError(w, requestLogger, err)
			return
		}

		l, err := svc.CreateLocker(ctx, auth.CallerFromContext(ctx), req)
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		writeJSON(w, http.StatusCreated, l)
	}
}

func getLockerHandler(log zerolog.Logger, svc inventory.Inventory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span, requestLogger := startSpan(r, log, "get-locker")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		l, err := svc.GetLocker(ctx, auth.CallerFromContext(ctx), chi.URLParam(r, "lockerID"))
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		writeJSON(w, http.StatusOK, l)
	}
}

func deleteLockerHandler(log zerolog.Logger, svc inventory.Inventory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span, requestLogger := startSpan(r, log, "delete-locker")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		err = svc.DeleteLocker(ctx, auth.CallerFromContext(ctx), chi.URLParam(r, "lockerID"))
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

type statusRequest struct {
	Status types.LockerStatus `json:"status"`
}

func setLockerStatusHandler(log zerolog.Logger, svc inventory.Inventory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span, requestLogger := startSpan(r, log, "set-locker-status")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		var req statusRequest
		if err = readJSON(r, &req); err != nil {
			writeError(w, requestLogger, err)
			return
		}

		l, err := svc.SetLockerStatus(ctx, auth.CallerFromContext(ctx), chi.URLParam(r, "lockerID"), req.Status)
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		writeJSON(w, http.StatusOK, l)
	}
}

type deviceRequest struct {
	DeviceID string `json:"deviceID"`
}

func assignDeviceHandler(log zerolog.Logger, svc assignments.AssignmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span, requestLogger := startSpan(r, log, "assign-device")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		var req deviceRequest
		if err = readJSON(r, &req); err != nil {
			writeError(w, requestLogger, err)
			return
		}

		l, err := svc.AssignDeviceToLocker(ctx, auth.CallerFromContext(ctx), chi.URLParam(r, "lockerID"), req.DeviceID)
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		writeJSON(w, http.StatusOK, l)
	}
}

func unassignDeviceHandler(log zerolog.Logger, svc assignments.AssignmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span, requestLogger := startSpan(r, log, "unassign-device")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		l, err := svc.UnassignDeviceFromLocker(ctx, auth.CallerFromContext(ctx), chi.URLParam(r, "lockerID"))
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		writeJSON(w, http.StatusOK, l)
	}
}

type clientRequest struct {
	ClientID string `json:"clientID"`
}

func assignClientHandler(log zerolog.Logger, svc assignments.AssignmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span, requestLogger := startSpan(r, log, "assign-client")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		var req clientRequest
		if err = readJSON(r, &req); err != nil {
			writeError(w, requestLogger, err)
			return
		}

		l, err := svc.AssignLockerToClient(ctx, auth.CallerFromContext(ctx), chi.URLParam(r, "lockerID"), req.ClientID)
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		writeJSON(w, http.StatusOK, l)
	}
}

func releaseClientHandler(log zerolog.Logger, svc assignments.AssignmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span, requestLogger := startSpan(r, log, "release-client")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		l, err := svc.ReleaseLockerFromClient(ctx, auth.CallerFromContext(ctx), chi.URLParam(r, "lockerID"))
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		writeJSON(w, http.StatusOK, l)
	}
}

func getDoorHandler(log zerolog.Logger, svc inventory.Inventory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span, requestLogger := startSpan(r, log, "get-door")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		d, err := svc.GetDoor(ctx, auth.CallerFromContext(ctx), chi.URLParam(r, "doorID"))
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		writeJSON(w, http.StatusOK, d)
	}
}

type userRequest struct {
	UserID string `json:"userID"`
}

type doorAssignmentResponse struct {
	Door    types.LockerDoor        `json:"door"`
	Session *types.DoorUsageSession `json:"session,omitempty"`
}

func assignDoorHandler(log zerolog.Logger, svc assignments.AssignmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span, requestLogger := startSpan(r, log, "assign-door")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		var req userRequest
		if err = readJSON(r, &req); err != nil {
			writeError(w, requestLogger, err)
			return
		}

		d, s, err := svc.AssignDoorToUser(ctx, auth.CallerFromContext(ctx), chi.URLParam(r, "doorID"), req.UserID)
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		writeJSON(w, http.StatusOK, doorAssignmentResponse{Door: d, Session: &s})
	}
}

func unassignDoorHandler(log zerolog.Logger, svc assignments.AssignmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span, requestLogger := startSpan(r, log, "unassign-door")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		d, s, err := svc.UnassignDoorFromUser(ctx, auth.CallerFromContext(ctx), chi.URLParam(r, "doorID"))
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		writeJSON(w, http.StatusOK, doorAssignmentResponse{Door: d, Session: s})
	}
}

func querySessionsHandler(log zerolog.Logger, svc sessions.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span, requestLogger := startSpan(r, log, "query-sessions")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		q := sessions.Query{
			UserID: r.URL.Query().Get("userID"),
			DoorID: r.URL.Query().Get("doorID"),
			Status: types.SessionStatus(r.URL.Query().Get("status")),
		}

		if q.Offset, q.Limit, err = paging(r); err != nil {
			writeError(w, requestLogger, err)
			return
		}

		result, err := svc.Query(ctx, auth.CallerFromContext(ctx), q)
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		writeJSON(w, http.StatusOK, result)
	}
}

func overdueSessionsHandler(log zerolog.Logger, svc sessions.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span, requestLogger := startSpan(r, log, "overdue-sessions")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		overdue, err := svc.Overdue(ctx, auth.CallerFromContext(ctx))
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		writeJSON(w, http.StatusOK, overdue)
	}
}

func getSessionHandler(log zerolog.Logger, svc sessions.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span, requestLogger := startSpan(r, log, "get-session")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		s, err := svc.GetSession(ctx, auth.CallerFromContext(ctx), chi.URLParam(r, "sessionID"))
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		writeJSON(w, http.StatusOK, s)
	}
}

func endSessionHandler(log zerolog.Logger, svc sessions.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span, requestLogger := startSpan(r, log, "end-session")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		s, err := svc.EndSession(ctx, auth.CallerFromContext(ctx), chi.URLParam(r, "sessionID"))
		if err != nil {
			if errors.Is(err, types.ErrSessionNotActive) {
				requestLogger.Debug().Str("session_id", chi.URLParam(r, "sessionID")).Msg("session already ended")
			}
			writeError(w, requestLogger, err)
			return
		}

		writeJSON(w, http.StatusOK, s)
	}
}
