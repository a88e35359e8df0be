package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

var (
	validate *validator.Validate
	trans    ut.Translator
)

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	en := en.New()
	uni := ut.New(en, en)
	trans, _ = uni.GetTranslator("en")
	if err := en_translations.RegisterDefaultTranslations(validate, trans); err != nil {
		panic(fmt.Sprintf("register translations: %v", err))
	}

	// report fields by their json name, falling back to the lowercased go name
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return strings.ToLower(field.Name)
		}
		return name
	})
}

// Validate checks v against its validate tags.
// A failure is returned as a validation Error carrying the first translated message.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return &Error{Kind: KindValidation, msg: verrs[0].Translate(trans), err: err}
	}
	return &Error{Kind: KindValidation, msg: "invalid input", err: err}
}

// DecodeRow unmarshals a row delivered by the realtime service into dst and validates it.
// Rows that fail either step are rejected before they reach the local state.
func DecodeRow(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return NewError(KindValidation, "empty row")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &Error{Kind: KindValidation, msg: "malformed row", err: err}
	}
	return Validate(dst)
}

// RowKey is the subset of a row that is always present, including in the old record of a delete.
type RowKey struct {
	ID     string `json:"id" validate:"required"`
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}
