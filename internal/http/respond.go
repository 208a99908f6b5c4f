package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/example/ride-dispatch/internal/apperr"
)

type errorBody struct {
	Error  string              `json:"error"`
	Detail string              `json:"detail,omitempty"`
	Fields map[string][]string `json:"fields,omitempty"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to a status code. Conflicts are logged at debug, other
// client errors at info; everything else is an application error.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	body := errorBody{Error: apperr.CodeOf(err), Detail: err.Error()}
	var fe *fieldErrors
	if errors.As(err, &fe) {
		body.Fields = fe.fields
	}
	switch {
	case apperr.KindOf(err) == apperr.KindConflict:
		s.logger.Debugw("request conflict", "path", r.URL.Path, "code", body.Error, "error", err)
	case apperr.ClientError(err):
		s.logger.Infow("request rejected", "path", r.URL.Path, "code", body.Error, "error", err)
	default:
		s.logger.Errorw("request failed", "path", r.URL.Path, "error", err, "request_id", requestIDFromContext(r.Context()))
		if status == http.StatusInternalServerError {
			body.Detail = "internal error"
		}
	}
	writeJSON(w, status, body)
}

type fieldErrors struct {
	fields map[string][]string
}

func (f *fieldErrors) Error() string {
	parts := make([]string, 0, len(f.fields))
	for name, msgs := range f.fields {
		parts = append(parts, name+": "+strings.Join(msgs, ", "))
	}
	return strings.Join(parts, "; ")
}

func addErr(errs map[string][]string, name string, msgs ...string) {
	errs[name] = append(errs[name], msgs...)
}

// decode reads a JSON body into dst and runs its validate tags.
func (s *Server) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Validationf("malformed body: %v", err)
	}
	return s.check(dst)
}

func (s *Server) check(v any) error {
	switch err := s.validate.Struct(v).(type) {
	case nil:
		return nil
	case validator.ValidationErrors:
		fields := map[string][]string{}
		for _, fe := range err {
			name := fe.Namespace()
			if i := strings.IndexByte(name, '.'); i >= 0 {
				name = name[i+1:]
			}
			addErr(fields, name, fmt.Sprintf("failed %s", fe.Tag()))
		}
		return &apperr.Error{Kind: apperr.KindValidation, Code: "validation", Err: &fieldErrors{fields: fields}}
	default:
		return err
	}
}
