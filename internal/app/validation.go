package app

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"neighborly/api/internal/model"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report json names so details match the request body.
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type LocationInput struct {
	Lat *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
	Lng *float64 `json:"lng" validate:"required,gte=-180,lte=180"`
}

type AddressInput struct {
	City        string `json:"city" validate:"max=120"`
	Street      string `json:"street" validate:"max=120"`
	HouseNumber string `json:"houseNumber" validate:"max=120"`
	Notes       string `json:"notes" validate:"max=500"`
}

type CreateRequestInput struct {
	Title       string         `json:"title" validate:"required,max=120"`
	Description string         `json:"description" validate:"max=2000"`
	Category    model.Category `json:"category" validate:"required,oneof=errand carry fix other"`
	Reward      *string        `json:"reward" validate:"omitempty,max=64"`
	Location    *LocationInput `json:"location" validate:"required"`
	Address     *AddressInput  `json:"address" validate:"omitempty"`
}

func (in *CreateRequestInput) normalize() {
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	in.Category = model.Category(strings.ToLower(strings.TrimSpace(string(in.Category))))
	if in.Reward != nil {
		reward := strings.TrimSpace(*in.Reward)
		if reward == "" {
			in.Reward = nil
		} else {
			in.Reward = &reward
		}
	}
	if in.Address != nil {
		in.Address.City = strings.TrimSpace(in.Address.City)
		in.Address.Street = strings.TrimSpace(in.Address.Street)
		in.Address.HouseNumber = strings.TrimSpace(in.Address.HouseNumber)
		in.Address.Notes = strings.TrimSpace(in.Address.Notes)
		if *in.Address == (AddressInput{}) {
			in.Address = nil
		}
	}
}

type AcceptInput struct {
	NextStatus model.Status `json:"nextStatus" validate:"required,oneof=accepted in_progress"`
}

type CreatePromptsInput struct {
	RequestID    string `json:"requestId" validate:"required"`
	RequesterID  string `json:"requesterId" validate:"required"`
	HelperID     string `json:"helperId" validate:"required"`
	RequestTitle string `json:"requestTitle" validate:"max=120"`
}

type PostMessageInput struct {
	Body string `json:"body" validate:"required,max=2000"`
}

// validateInput runs the struct tags of input and reports every failing
// field. It returns a *DomainError for invalid input.
func validateInput(input any) error {
	err := validate.Struct(input)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validate input: %w", err)
	}
	details := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		details[fieldPath(fe)] = fieldMessage(fe)
	}
	return validationError(details)
}

// fieldPath drops the struct name from the namespace: "location.lat".
func fieldPath(fe validator.FieldError) string {
	parts := strings.SplitN(fe.Namespace(), ".", 2)
	if len(parts) == 2 {
		return parts[1]
	}
	return fe.Field()
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
