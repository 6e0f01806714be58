package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"

	"github.com/xavierca1/leadsync/internal/usecase"
)

const maxBodyBytes = 1 << 20

var (
	vOnce      sync.Once
	validate   *validator.Validate
	translator ut.Translator
)

func initValidator() {
	vOnce.Do(func() {
		enLoc := en.New()
		uni := ut.New(enLoc, enLoc)
		translator, _ = uni.GetTranslator("en")

		validate = validator.New(validator.WithRequiredStructEnabled())
		// messages name the json field, not the Go field
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			tag := fld.Tag.Get("json")
			if tag == "-" || tag == "" {
				return fld.Name
			}
			if idx := strings.Index(tag, ","); idx >= 0 {
				tag = tag[:idx]
			}
			return tag
		})
		_ = en_translations.RegisterDefaultTranslations(validate, translator)
	})
}

func invalidRequest(format string, args ...any) error {
	return &usecase.DomainError{Code: CodeInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// decodeJSON reads one JSON document into T and validates its struct tags.
func decodeJSON[T any](r *http.Request) (T, error) {
	var dst T
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&dst); err != nil {
		if errors.Is(err, io.EOF) {
			return dst, invalidRequest("empty body")
		}
		return dst, invalidRequest("invalid JSON: %v", err)
	}
	if dec.More() {
		return dst, invalidRequest("unexpected trailing data")
	}
	if err := validateStruct(dst); err != nil {
		return dst, err
	}
	return dst, nil
}

func validateStruct(v any) error {
	initValidator()
	if reflect.Indirect(reflect.ValueOf(v)).Kind() != reflect.Struct {
		return nil
	}
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return invalidRequest("%s", verrs[0].Translate(translator))
	}
	return invalidRequest("%v", err)
}
