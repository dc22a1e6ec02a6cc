package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"adhesion.org/internal/fault"
	"adhesion.org/internal/obs"
)

const maxBodyBytes = 1 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report JSON names in field errors.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		s, ok := fl.Field().Interface().(string)
		return !ok || strings.TrimSpace(s) != ""
	})
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// writeFault maps service errors onto status codes: not found 404, validation 422,
// conflict 409, anything else 500.
func writeFault(w http.ResponseWriter, r *http.Request, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		payload := map[string]any{
			"error":  "invalid request",
			"kind":   fault.KindValidation,
			"fields": fields,
		}
		if rid := RequestIDFromContext(r.Context()); rid != "" {
			payload["request_id"] = rid
		}
		writeJSON(w, http.StatusUnprocessableEntity, payload)
		return
	}

	fe, ok := fault.As(err)
	if !ok {
		obs.Logger().Error().Err(err).
			Str("request_id", RequestIDFromContext(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	code := http.StatusInternalServerError
	switch fe.Kind {
	case fault.KindNotFound:
		code = http.StatusNotFound
	case fault.KindValidation:
		code = http.StatusUnprocessableEntity
	case fault.KindConflict:
		code = http.StatusConflict
	}
	payload := map[string]any{
		"error": fe.Error(),
		"kind":  fe.Kind,
	}
	if fe.Entity != "" {
		payload["entity"] = fe.Entity
	}
	if fe.ID != "" {
		payload["id"] = fe.ID
	}
	if fe.Remaining != nil {
		payload["remaining"] = fe.Remaining.StringFixed(2)
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// decodeJSON reads a single JSON object from the body and validates it.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer reader.Close()
	return decodeStrict(reader, dst)
}

func decodeStrict(src io.Reader, dst any) error {
	dec := json.NewDecoder(src)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return validate.Struct(dst)
}

// readRequest decodes into dst and answers the request itself on failure.
func readRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := decodeJSON(w, r, dst)
	if err == nil {
		return true
	}
	writeDecodeError(w, r, err)
	return false
}

// writeDecodeError answers 422 for field validation failures and 400 for malformed bodies.
func writeDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		writeFault(w, r, err)
		return
	}
	writeError(w, r, http.StatusBadRequest, err.Error())
}

func queryLimit(r *http.Request, def, ceiling int) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > ceiling {
		return ceiling
	}
	return n
}
