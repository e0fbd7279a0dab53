package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"log/slog"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/chi/v5"
	"github.com/openheat/nibe-mgmt/internal/pkg/application/alarms"
	"github.com/openheat/nibe-mgmt/internal/pkg/application/devicemanagement"
	"github.com/openheat/nibe-mgmt/internal/pkg/application/pointlog"
	"github.com/openheat/nibe-mgmt/internal/pkg/application/watchdog"
	"github.com/openheat/nibe-mgmt/internal/pkg/infrastructure/nibe"
	"github.com/openheat/nibe-mgmt/internal/pkg/infrastructure/storage"
	"github.com/openheat/nibe-mgmt/internal/pkg/presentation/api/auth"
	"github.com/openheat/nibe-mgmt/pkg/types"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("nibe-mgmt/api")

func RegisterHandlers(ctx context.Context, router *chi.Mux, policies io.Reader,
	pl pointlog.PointLog, dm devicemanagement.DeviceManagement, as alarms.AlarmService,
	wd watchdog.Watchdog, client nibe.Client, log *slog.Logger) (*chi.Mux, error) {

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	authenticator, err := auth.NewAuthenticator(ctx, policies)
	if err != nil {
		return nil, fmt.Errorf("failed to create api authenticator: %w", err)
	}

	router.Route("/api/v0", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(authenticator)

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", queryDevicesHandler(log, dm))
				r.Post("/sync", syncDevicesHandler(log, dm))
				r.Get("/{deviceID}/points", pollPointsHandler(log, pl, client))
				r.Patch("/{deviceID}/points/{pointID}", writePointHandler(log, pl, client))
			})

			r.Route("/points", func(r chi.Router) {
				r.Get("/{pointID}/history", historyHandler(log, pl))
				r.Put("/{pointID}/annotation", setAnnotationHandler(log, pl))
				r.Delete("/{pointID}/annotation", deleteAnnotationHandler(log, pl))
				r.Get("/annotations", annotationsHandler(log, pl))
				r.Post("/import", importHandler(log, pl))
			})

			r.Route("/notifications", func(r chi.Router) {
				r.Get("/", queryNotificationsHandler(log, as))
				r.Get("/{id}", getNotificationHandler(log, as))
				r.Patch("/{id}", resetNotificationHandler(log, as))
				r.Post("/reset", resetAllNotificationsHandler(log, as))
			})

			r.Get("/status", statusHandler(log, wd))
		})
	})

	return router, nil
}

// pollPointsHandler runs one polling cycle synchronously: fetch, normalize,
// change-log, respond. Only a failing provider fetch (or an undecodable
// payload) is an error to the caller; history logging failures degrade to a
// partial-failure count in the response.
func pollPointsHandler(log *slog.Logger, pl pointlog.PointLog, client nibe.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "poll-points")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		deviceID, err := strconv.Atoi(chi.URLParam(r, "deviceID"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		raw, err := client.GetRawPoints(ctx, deviceID)
		if err != nil {
			requestLogger.Error("could not fetch points from provider", "device_id", deviceID, "err", err.Error())
			writeError(w, http.StatusBadGateway, "provider fetch failed")
			return
		}

		points, err := nibe.NormalizeSnapshot(raw)
		if err != nil {
			requestLogger.Error("could not decode provider payload", "device_id", deviceID, "err", err.Error())
			writeError(w, http.StatusBadGateway, "provider payload could not be decoded")
			return
		}

		result := pl.LogSnapshot(ctx, deviceID, points)
		if result.Failed > 0 {
			requestLogger.Warn("history logging partially failed", "device_id", deviceID, "failed", result.Failed)
		}

		writeJSON(w, http.StatusOK, struct {
			Points    []types.PointSnapshot `json:"points"`
			Timestamp time.Time             `json:"timestamp"`
			Log       types.BatchResult     `json:"log"`
		}{
			Points:    points,
			Timestamp: time.Now().UTC(),
			Log:       result,
		})
	}
}

func writePointHandler(log *slog.Logger, pl pointlog.PointLog, client nibe.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "write-point")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		deviceID, err := strconv.Atoi(chi.URLParam(r, "deviceID"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		pointID, err := strconv.Atoi(chi.URLParam(r, "pointID"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		payload := struct {
			Value int `json:"value"`
		}{}

		err = json.Unmarshal(body, &payload)
		if err != nil {
			requestLogger.Error("unable to unmarshal body", "err", err.Error())
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		err = client.SetPoint(ctx, deviceID, pointID, payload.Value)
		if err != nil {
			requestLogger.Error("point write failed", "point_id", pointID, "err", err.Error())
			writeError(w, http.StatusBadGateway, "provider write failed")
			return
		}

		logged := true

		err = pl.LogManual(ctx, deviceID, pointID, payload.Value)
		if err != nil {
			// the device accepted the write, so this degrades rather than fails
			requestLogger.Error("could not log manual write", "point_id", pointID, "err", err.Error())
			logged = false
			err = nil
		}

		writeJSON(w, http.StatusOK, struct {
			PointID int  `json:"pointID"`
			Value   int  `json:"value"`
			Logged  bool `json:"logged"`
		}{
			PointID: pointID,
			Value:   payload.Value,
			Logged:  logged,
		})
	}
}

func historyHandler(log *slog.Logger, pl pointlog.PointLog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-history")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		pointID, err := strconv.Atoi(chi.URLParam(r, "pointID"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		conditions := []storage.ConditionFunc{}

		if deviceID, e := strconv.Atoi(r.URL.Query().Get("deviceID")); e == nil {
			conditions = append(conditions, storage.WithDeviceID(deviceID))
		}

		offset, limit := offsetLimit(r, 0, 100)
		conditions = append(conditions, storage.WithOffset(offset), storage.WithLimit(limit))

		entries, err := pl.History(ctx, pointID, conditions...)
		if errors.Is(err, pointlog.ErrPointNotFound) {
			requestLogger.Debug("point not found", "point_id", pointID)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err != nil {
			requestLogger.Error("could not fetch history", "point_id", pointID, "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, struct {
			Entries    []types.LogEntry `json:"entries"`
			TotalCount uint64           `json:"totalCount"`
		}{
			Entries:    entries.Data,
			TotalCount: entries.TotalCount,
		})
	}
}

func importHandler(log *slog.Logger, pl pointlog.PointLog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "import-entries")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		entries := []types.LogEntry{}

		err = json.Unmarshal(body, &entries)
		if err != nil {
			requestLogger.Error("unable to unmarshal body", "err", err.Error())
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		result := pl.Import(ctx, entries)

		writeJSON(w, http.StatusOK, result)
	}
}

func setAnnotationHandler(log *slog.Logger, pl pointlog.PointLog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "set-annotation")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		pointID, err := strconv.Atoi(chi.URLParam(r, "pointID"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		a := types.Annotation{}

		err = json.Unmarshal(body, &a)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		a.PointID = pointID

		err = pl.SetAnnotation(ctx, a)
		if err != nil {
			requestLogger.Error("could not store annotation", "point_id", pointID, "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func deleteAnnotationHandler(log *slog.Logger, pl pointlog.PointLog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "delete-annotation")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		pointID, err := strconv.Atoi(chi.URLParam(r, "pointID"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		err = pl.DeleteAnnotation(ctx, pointID)
		if err != nil {
			requestLogger.Error("could not delete annotation", "point_id", pointID, "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func annotationsHandler(log *slog.Logger, pl pointlog.PointLog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-annotations")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		annotations, err := pl.Annotations(ctx)
		if err != nil {
			requestLogger.Error("could not fetch annotations", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, annotations)
	}
}

func queryDevicesHandler(log *slog.Logger, dm devicemanagement.DeviceManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "query-devices")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		devices, err := dm.Query(ctx)
		if err != nil {
			requestLogger.Error("unable to fetch devices", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, devices.Data)
	}
}

func syncDevicesHandler(log *slog.Logger, dm devicemanagement.DeviceManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "sync-devices")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		count, err := dm.SyncDevices(ctx)
		if err != nil {
			requestLogger.Error("device sync failed", "err", err.Error())
			writeError(w, http.StatusBadGateway, "device sync failed")
			return
		}

		writeJSON(w, http.StatusOK, struct {
			Synced int `json:"synced"`
		}{Synced: count})
	}
}

func queryNotificationsHandler(log *slog.Logger, as alarms.AlarmService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "query-notifications")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		conditions := []storage.ConditionFunc{}

		if deviceID, e := strconv.Atoi(r.URL.Query().Get("deviceID")); e == nil {
			conditions = append(conditions, storage.WithDeviceID(deviceID))
		}
		if r.URL.Query().Get("all") == "true" {
			conditions = append(conditions, storage.WithReset())
		}

		offset, limit := offsetLimit(r, 0, 50)
		conditions = append(conditions, storage.WithOffset(offset), storage.WithLimit(limit))

		notifications, err := as.Query(ctx, conditions...)
		if err != nil {
			requestLogger.Error("unable to fetch notifications", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, struct {
			Notifications []types.Notification `json:"notifications"`
			TotalCount    uint64               `json:"totalCount"`
		}{
			Notifications: notifications.Data,
			TotalCount:    notifications.TotalCount,
		})
	}
}

func getNotificationHandler(log *slog.Logger, as alarms.AlarmService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-notification")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		n, err := as.GetByID(ctx, id)
		if errors.Is(err, alarms.ErrNotificationNotFound) {
			requestLogger.Debug("notification not found", "id", id)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err != nil {
			requestLogger.Error("could not fetch notification", "id", id, "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, n)
	}
}

func resetNotificationHandler(log *slog.Logger, as alarms.AlarmService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "reset-notification")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		err = as.Reset(ctx, id)
		if errors.Is(err, alarms.ErrNotificationNotFound) {
			requestLogger.Debug("notification not found", "id", id)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err != nil {
			requestLogger.Error("could not reset notification", "id", id, "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func resetAllNotificationsHandler(log *slog.Logger, as alarms.AlarmService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "reset-all-notifications")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		conditions := []storage.ConditionFunc{}

		// no deviceID means every device
		if deviceID, e := strconv.Atoi(r.URL.Query().Get("deviceID")); e == nil {
			conditions = append(conditions, storage.WithDeviceID(deviceID))
		}

		count, err := as.ResetAll(ctx, conditions...)
		if err != nil {
			requestLogger.Error("could not reset notifications", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, struct {
			Reset int64 `json:"reset"`
		}{Reset: count})
	}
}

func statusHandler(log *slog.Logger, wd watchdog.Watchdog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-status")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		status, err := wd.Status(ctx)
		if err != nil {
			requestLogger.Error("could not determine sync status", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, status)
	}
}

func offsetLimit(r *http.Request, defaultOffset, defaultLimit int) (int, int) {
	offset := defaultOffset
	limit := defaultLimit

	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}

	return offset, limit
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(b)
}

func writeError(w http.ResponseWriter, statusCode int, msg string) {
	writeJSON(w, statusCode, struct {
		Error string `json:"error"`
	}{Error: msg})
}
